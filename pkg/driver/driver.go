// Package driver runs one simulation instance through repeated
// solver/self-consistency iterations.
//
// The filesystem is the only status record: an iteration succeeded when the
// artifacts it should produce exist. A run is therefore restartable from
// any iteration, and an iteration interrupted halfway is simply retried.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/dmftloop/pkg/bundle"
	"github.com/3leaps/dmftloop/pkg/instance"
	"github.com/3leaps/dmftloop/pkg/journal"
	"github.com/3leaps/dmftloop/pkg/metrics"
	"github.com/3leaps/dmftloop/pkg/scheduler"
	"github.com/3leaps/dmftloop/pkg/stage"
)

// Gate reports whether an artifact is available, debundling it if needed.
type Gate interface {
	Exists(ctx context.Context, f instance.Family, n int) bool
}

// Archiver bundles completed artifacts.
type Archiver interface {
	BundleUpTo(ctx context.Context, f instance.Family, bound int) (*bundle.BundleResult, error)
}

// Dispatcher hands auxiliary jobs to the scheduler without blocking.
type Dispatcher interface {
	Enqueue(job scheduler.Job) error
}

// Deps are the collaborators of a Driver. Layout, Gate, Archive, Solver and
// SelfConsistency are required.
type Deps struct {
	Layout          instance.Layout
	Gate            Gate
	Archive         Archiver
	Solver          stage.Stage
	SelfConsistency stage.Stage

	// Mirror, if set, runs after each family's bundle pass.
	Mirror func(ctx context.Context, f instance.Family) error

	// Dispatcher and the job templates are optional; a nil template skips
	// that job.
	Dispatcher     Dispatcher
	Occupation     *scheduler.JobTemplate
	OrderParameter *scheduler.JobTemplate

	Journal journal.Writer
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Status is a point-in-time view of a running driver.
type Status struct {
	Instance            string    `json:"instance"`
	State               State     `json:"state"`
	Iteration           int       `json:"iteration"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	MaxAttempts         int       `json:"max_attempts"`
	Completed           int       `json:"completed"`
	FailedAttempts      int       `json:"failed_attempts"`
	StartedAt           time.Time `json:"started_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	NextRetryAt         time.Time `json:"next_retry_at,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
}

// Outcome summarizes a finished run.
type Outcome struct {
	State State `json:"state"`

	// NextIteration is where a restart should begin.
	NextIteration int `json:"next_iteration"`

	// LastCompleted is the last iteration that advanced, or -1.
	LastCompleted int `json:"last_completed"`

	Completed           int           `json:"completed"`
	FailedAttempts      int           `json:"failed_attempts"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Duration            time.Duration `json:"duration"`
	LastError           error         `json:"-"`
}

// Driver is the iteration state machine for one instance. It is sequential;
// Status may be called from other goroutines.
type Driver struct {
	opts   Options
	deps   Deps
	logger *zap.Logger
	name   string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	status Status
}

// New validates options and dependencies.
func New(opts Options, deps Deps) (*Driver, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Layout.Root == "":
		return nil, fmt.Errorf("instance layout is required")
	case deps.Gate == nil:
		return nil, fmt.Errorf("stage gate is required")
	case deps.Archive == nil:
		return nil, fmt.Errorf("archive is required")
	case deps.Solver == nil || deps.SelfConsistency == nil:
		return nil, fmt.Errorf("solver and self-consistency stages are required")
	}
	if deps.Journal == nil {
		deps.Journal = journal.Discard
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := deps.Layout.Name()
	return &Driver{
		opts:   opts,
		deps:   deps,
		logger: logger.With(zap.String("instance", name)),
		name:   name,
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepCtx,
		status: Status{Instance: name, State: StateIdle, MaxAttempts: opts.MaxAttempts},
	}, nil
}

// Options returns the effective options.
func (d *Driver) Options() Options {
	return d.opts
}

// Status returns a snapshot of the driver's progress.
func (d *Driver) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

func (d *Driver) update(fn func(s *Status)) {
	d.mu.Lock()
	fn(&d.status)
	d.status.UpdatedAt = d.now()
	d.mu.Unlock()
}

func (d *Driver) setState(s State) {
	d.update(func(st *Status) { st.State = s })
	d.deps.Metrics.SetState(d.name, string(s), stateNames())
	d.logger.Debug("State transition", zap.String("state", string(s)))
}

func stateNames() []string {
	all := AllStates()
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = string(s)
	}
	return out
}

// record appends to the journal. Journal failures never affect the run.
func (d *Driver) record(ctx context.Context, recordType string, data any) {
	if err := d.deps.Journal.Write(context.WithoutCancel(ctx), recordType, data); err != nil {
		d.logger.Warn("Journal write failed", zap.String("type", recordType), zap.Error(err))
	}
}

// attemptError is a failed attempt at one iteration.
type attemptError struct {
	reason string
	path   string
	err    error
}

func (e *attemptError) Error() string {
	if e.path != "" {
		return fmt.Sprintf("%v: %s", e.err, e.path)
	}
	return e.err.Error()
}

func (e *attemptError) Unwrap() error { return e.err }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isCancel(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
