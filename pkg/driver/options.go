package driver

import (
	"errors"
	"fmt"
	"time"
)

// State is a driver state. Values appear in logs, the journal and /status.
type State string

const (
	StateIdle                   State = "Idle"
	StateAwaitingSolverInput    State = "AwaitingSolverInput"
	StateSolvingImpurity        State = "SolvingImpurity"
	StateAwaitingSolverOutput   State = "AwaitingSolverOutput"
	StateSanitizing             State = "Sanitizing"
	StateRunningSelfConsistency State = "RunningSelfConsistency"
	StateArchiving              State = "Archiving"
	StateDispatchingAuxiliary   State = "DispatchingAuxiliary"
	StateRetryWait              State = "RetryWait"
	StateHalted                 State = "Halted"
	StateCompleted              State = "Completed"
	StateCancelled              State = "Cancelled"
)

// AllStates lists every state, for metrics that export one series per state.
func AllStates() []State {
	return []State{
		StateIdle,
		StateAwaitingSolverInput,
		StateSolvingImpurity,
		StateAwaitingSolverOutput,
		StateSanitizing,
		StateRunningSelfConsistency,
		StateArchiving,
		StateDispatchingAuxiliary,
		StateRetryWait,
		StateHalted,
		StateCompleted,
		StateCancelled,
	}
}

// Terminal reports whether the driver stops in s.
func (s State) Terminal() bool {
	return s == StateHalted || s == StateCompleted || s == StateCancelled
}

var (
	// ErrHalted means consecutive failures reached MaxAttempts.
	ErrHalted = errors.New("driver halted")

	// ErrInputMissing means the iteration's input parameters are neither
	// standalone nor archived.
	ErrInputMissing = errors.New("input parameters missing")

	// ErrOutputMissing means the solver left no measurement file.
	ErrOutputMissing = errors.New("solver output missing")
)

// Backoff selects the retry delay policy.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// Unbounded as MaxIterations runs until halted or interrupted.
const Unbounded = -1

// Defaults.
const (
	DefaultMaxAttempts   = 15
	DefaultRetryDelay    = 60 * time.Second
	DefaultMaxRetryDelay = 30 * time.Minute
	DefaultName          = "params"
)

// Options configure a run.
type Options struct {
	// MaxIterations is the last iteration to run; Unbounded (-1) never stops.
	MaxIterations int

	// StartIteration is the first iteration. Zero bootstraps by running the
	// self-consistency stage with label 0 before starting at 1.
	StartIteration int

	// MaxAttempts is the number of consecutive failed attempts that halts
	// the driver.
	MaxAttempts int

	RetryDelay    time.Duration
	Backoff       Backoff
	MaxRetryDelay time.Duration

	// Name is the parameter file stem passed to the stages ("params").
	Name string
}

// DefaultOptions runs unbounded from iteration 1.
func DefaultOptions() Options {
	return Options{
		MaxIterations:  Unbounded,
		StartIteration: 1,
		MaxAttempts:    DefaultMaxAttempts,
		RetryDelay:     DefaultRetryDelay,
		Backoff:        BackoffFixed,
		MaxRetryDelay:  DefaultMaxRetryDelay,
		Name:           DefaultName,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Backoff == "" {
		o.Backoff = BackoffFixed
	}
	if o.MaxRetryDelay == 0 {
		o.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if o.Name == "" {
		o.Name = DefaultName
	}
	return o
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if o.MaxIterations < Unbounded {
		return fmt.Errorf("max iterations must be >= -1, got %d", o.MaxIterations)
	}
	if o.StartIteration < 0 {
		return fmt.Errorf("start iteration must be >= 0, got %d", o.StartIteration)
	}
	if o.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", o.MaxAttempts)
	}
	if o.RetryDelay < 0 || o.MaxRetryDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	switch o.Backoff {
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff %q (want fixed or exponential)", o.Backoff)
	}
	return nil
}

// Delay returns the wait after the failures-th consecutive failure.
func (o Options) Delay(failures int) time.Duration {
	if o.Backoff != BackoffExponential || failures <= 1 {
		return o.RetryDelay
	}
	d := o.RetryDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if o.MaxRetryDelay > 0 && d >= o.MaxRetryDelay {
			return o.MaxRetryDelay
		}
	}
	return d
}
