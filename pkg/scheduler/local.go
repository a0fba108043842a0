package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Local starts jobs as background child processes on the current node,
// capturing stdout/stderr to per-job log files. Submit returns once the
// child has started; a background waiter records the exit status.
type Local struct {
	registry *Registry
	logger   *zap.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewLocal creates a local submitter. Logs and receipts live under registry.
func NewLocal(registry *Registry, logger *zap.Logger) (*Local, error) {
	if registry == nil {
		return nil, fmt.Errorf("local submitter requires a registry")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		registry: registry,
		logger:   logger.With(zap.String("component", "local-submitter")),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (l *Local) Backend() Backend { return BackendLocal }

func (l *Local) StdoutPath(id string) string {
	return filepath.Join(l.registry.JobDir(id), "stdout.log")
}

func (l *Local) StderrPath(id string) string {
	return filepath.Join(l.registry.JobDir(id), "stderr.log")
}

// Submit starts job.Script. The child is not tied to ctx: it keeps running
// after the submitting driver moves on or exits.
func (l *Local) Submit(ctx context.Context, job Job) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SubmissionError{Job: job, Backend: BackendLocal, Err: err}
	}

	id := uuid.New().String()
	if err := os.MkdirAll(l.registry.JobDir(id), 0755); err != nil {
		return nil, &SubmissionError{Job: job, Backend: BackendLocal, Err: fmt.Errorf("create job dir: %w", err)}
	}

	stdoutFile, err := os.Create(l.StdoutPath(id))
	if err != nil {
		return nil, &SubmissionError{Job: job, Backend: BackendLocal, Err: fmt.Errorf("create stdout log: %w", err)}
	}
	stderrFile, err := os.Create(l.StderrPath(id))
	if err != nil {
		_ = stdoutFile.Close()
		return nil, &SubmissionError{Job: job, Backend: BackendLocal, Err: fmt.Errorf("create stderr log: %w", err)}
	}
	closeLogs := func() {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
	}

	argv := append([]string{job.Script}, job.Args...)
	// #nosec G204 -- job scripts come from the operator's run manifest
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = job.Dir
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		closeLogs()
		return nil, &SubmissionError{Job: job, Backend: BackendLocal, Err: err}
	}

	rec := &Receipt{
		ID:          id,
		Kind:        job.Kind,
		Backend:     BackendLocal,
		Instance:    job.Instance,
		Iteration:   job.Iteration,
		Argv:        argv,
		State:       StateRunning,
		PID:         cmd.Process.Pid,
		SubmittedAt: l.now(),
		StdoutPath:  l.StdoutPath(id),
		StderrPath:  l.StderrPath(id),
	}
	writeErr := l.registry.Write(rec)

	final := *rec
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		err := cmd.Wait()
		closeLogs()
		l.finish(&final, err)
	}()

	if writeErr != nil {
		return rec, fmt.Errorf("record receipt: %w", writeErr)
	}
	return rec, nil
}

func (l *Local) finish(rec *Receipt, waitErr error) {
	ended := l.now()
	rec.EndedAt = &ended
	code := 0
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		rec.State = StateExited
	case errors.As(waitErr, &exitErr):
		code = exitErr.ExitCode()
		rec.State = StateExited
	default:
		code = -1
		rec.State = StateFailed
		rec.Error = waitErr.Error()
	}
	rec.ExitCode = &code

	if err := l.registry.Write(rec); err != nil {
		l.logger.Warn("Failed to record job exit", zap.String("id", rec.ID), zap.Error(err))
		return
	}
	l.logger.Debug("Local job exited",
		zap.String("id", rec.ID),
		zap.String("kind", string(rec.Kind)),
		zap.Int("exit_code", code))
}

// Wait blocks until every started child has exited and been recorded.
func (l *Local) Wait() {
	l.wg.Wait()
}
