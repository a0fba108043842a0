package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var submittedRe = regexp.MustCompile(`Submitted batch job (\d+)`)

// runFunc executes a command and returns its combined output.
type runFunc func(ctx context.Context, dir string, argv []string) ([]byte, error)

// Sbatch submits jobs to Slurm. sbatch returns once the job is queued.
type Sbatch struct {
	registry  *Registry
	path      string
	extraArgs []string
	run       runFunc
	now       func() time.Time
}

// NewSbatch creates a Slurm submitter that records receipts in registry
// (nil disables persistence). path defaults to "sbatch"; extraArgs (e.g.
// --account, --partition) are placed before the script.
func NewSbatch(registry *Registry, path string, extraArgs ...string) *Sbatch {
	if strings.TrimSpace(path) == "" {
		path = "sbatch"
	}
	return &Sbatch{
		registry:  registry,
		path:      path,
		extraArgs: extraArgs,
		run:       runCombined,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sbatch) Backend() Backend { return BackendSbatch }

// Submit runs sbatch and parses the queued job id from its output.
func (s *Sbatch) Submit(ctx context.Context, job Job) (*Receipt, error) {
	argv := make([]string, 0, 2+len(s.extraArgs)+len(job.Args))
	argv = append(argv, s.path)
	argv = append(argv, s.extraArgs...)
	argv = append(argv, job.Script)
	argv = append(argv, job.Args...)

	out, err := s.run(ctx, job.Dir, argv)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return nil, &SubmissionError{Job: job, Backend: BackendSbatch, Err: err}
	}

	externalID, ok := ParseSbatchID(out)
	if !ok {
		return nil, &SubmissionError{
			Job:     job,
			Backend: BackendSbatch,
			Err:     fmt.Errorf("unexpected sbatch output: %q", strings.TrimSpace(string(out))),
		}
	}

	rec := &Receipt{
		ID:          uuid.New().String(),
		Kind:        job.Kind,
		Backend:     BackendSbatch,
		Instance:    job.Instance,
		Iteration:   job.Iteration,
		Argv:        argv,
		State:       StateSubmitted,
		ExternalID:  externalID,
		SubmittedAt: s.now(),
	}
	if s.registry != nil {
		if err := s.registry.Write(rec); err != nil {
			// The job is queued; only the local record is missing.
			return rec, fmt.Errorf("record receipt: %w", err)
		}
	}
	return rec, nil
}

// ParseSbatchID extracts the job id from "Submitted batch job <id>".
func ParseSbatchID(out []byte) (string, bool) {
	m := submittedRe.FindSubmatch(out)
	if m == nil {
		return "", false
	}
	return string(m[1]), true
}

func runCombined(ctx context.Context, dir string, argv []string) ([]byte, error) {
	// #nosec G204 -- submission commands come from the operator's run manifest
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}
