// Package scheduler hands follow-on work to a batch scheduler without
// waiting for it to run.
//
// Submissions are fire-and-forget: a Submitter returns as soon as the job is
// enqueued (sbatch) or started (local), and the Dispatcher moves even that
// off the driver's goroutine. Receipts are persisted per instance so
// operators can see what was handed off.
package scheduler

import (
	"context"
	"fmt"
	"time"
)

// Kind identifies what a job computes.
type Kind string

const (
	// KindOccupation recomputes occupation data for one iteration.
	KindOccupation Kind = "occupation"

	// KindOrderParameter recomputes the order-parameter time series.
	KindOrderParameter Kind = "order_parameter"
)

// Backend names a Submitter implementation.
type Backend string

const (
	BackendSbatch Backend = "sbatch"
	BackendLocal  Backend = "local"
)

// State is the lifecycle state recorded in a receipt.
//
// These values are persisted in job.json.
type State string

const (
	StateSubmitted State = "submitted"
	StateRunning   State = "running"
	StateExited    State = "exited"
	StateFailed    State = "failed"
	StateUnknown   State = "unknown"
)

// Job describes one submission.
type Job struct {
	Kind      Kind     `json:"kind"`
	Backend   Backend  `json:"backend,omitempty"`
	Instance  string   `json:"instance"`
	Iteration int      `json:"iteration"`
	Script    string   `json:"script"`
	Args      []string `json:"args,omitempty"`

	// Dir is the working directory for the submission.
	Dir string `json:"dir,omitempty"`
}

// Receipt is the persistent record of a submission, written to job.json.
type Receipt struct {
	ID        string   `json:"id"`
	Kind      Kind     `json:"kind"`
	Backend   Backend  `json:"backend"`
	Instance  string   `json:"instance"`
	Iteration int      `json:"iteration"`
	Argv      []string `json:"argv"`
	State     State    `json:"state"`

	// ExternalID is the scheduler's job id (e.g. the Slurm job number).
	ExternalID string `json:"external_id,omitempty"`

	PID      int  `json:"pid,omitempty"`
	ExitCode *int `json:"exit_code,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`

	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Submitter enqueues a job and returns without waiting for it to run.
type Submitter interface {
	Backend() Backend
	Submit(ctx context.Context, job Job) (*Receipt, error)
}

// SubmissionError reports a job that could not be handed off.
type SubmissionError struct {
	Job     Job
	Backend Backend
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s job for %s iteration %d via %s: %v",
		e.Job.Kind, e.Job.Instance, e.Job.Iteration, e.Backend, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
