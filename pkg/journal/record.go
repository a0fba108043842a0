// Package journal appends driver events to a per-instance JSONL file.
//
// Each line is a typed envelope that can be parsed independently, so the
// journal survives crashes mid-write with at most one torn final line. The
// journal is an audit trail: the filesystem remains the source of truth for
// which iterations completed.
package journal

import (
	"encoding/json"
	"errors"
	"time"
)

// Record types follow dmftloop.<type>.v<version>.
const (
	TypeRun       = "dmftloop.run.v1"
	TypeIteration = "dmftloop.iteration.v1"
	TypeAttempt   = "dmftloop.attempt.v1"
	TypeSanitize  = "dmftloop.sanitize.v1"
	TypeBundle    = "dmftloop.bundle.v1"
	TypeDispatch  = "dmftloop.dispatch.v1"
	TypeSummary   = "dmftloop.summary.v1"
)

// Record is the envelope written on every line.
type Record struct {
	Type     string          `json:"type"`
	TS       time.Time       `json:"ts"`
	RunID    string          `json:"run_id"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

// RunRecord marks the start of a driver run.
type RunRecord struct {
	StartIteration int    `json:"start_iteration"`
	MaxIterations  int    `json:"max_iterations"`
	MaxAttempts    int    `json:"max_attempts"`
	RetryDelay     string `json:"retry_delay"`
	Version        string `json:"version,omitempty"`
}

// IterationRecord marks an iteration starting or completing.
type IterationRecord struct {
	Iteration int    `json:"iteration"`
	Phase     string `json:"phase"`
	Duration  string `json:"duration,omitempty"`
}

// Iteration phases.
const (
	PhaseBegin = "begin"
	PhaseEnd   = "end"
)

// AttemptRecord is a failed attempt at an iteration.
type AttemptRecord struct {
	Iteration int    `json:"iteration"`
	Attempt   int    `json:"attempt"`
	Reason    string `json:"reason"`
	Path      string `json:"path,omitempty"`
	Retry     string `json:"retry_in,omitempty"`
}

// Attempt failure reasons.
const (
	ReasonInputMissing  = "input_missing"
	ReasonOutputMissing = "output_missing"
	ReasonSanitize      = "sanitize_failed"
)

// SanitizeRecord notes that NaN markers were replaced.
type SanitizeRecord struct {
	Iteration    int    `json:"iteration"`
	Path         string `json:"path"`
	Replacements int    `json:"replacements"`
}

// BundleRecord summarizes one family's bundle pass.
type BundleRecord struct {
	Family    string   `json:"family"`
	Bound     int      `json:"bound"`
	Archived  []int    `json:"archived,omitempty"`
	Unchanged []int    `json:"unchanged,omitempty"`
	Failed    []string `json:"failed,omitempty"`
	Mirrored  bool     `json:"mirrored,omitempty"`
}

// DispatchRecord notes an auxiliary job hand-off.
type DispatchRecord struct {
	Kind       string `json:"kind"`
	Iteration  int    `json:"iteration"`
	Backend    string `json:"backend,omitempty"`
	ReceiptID  string `json:"receipt_id,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SummaryRecord closes a run.
type SummaryRecord struct {
	State          string `json:"state"`
	LastIteration  int    `json:"last_iteration"`
	NextIteration  int    `json:"next_iteration"`
	Completed      int    `json:"completed"`
	FailedAttempts int    `json:"failed_attempts"`
	Duration       string `json:"duration"`
	Error          string `json:"error,omitempty"`
}

// ErrWriterClosed is returned when writing to a closed journal.
var ErrWriterClosed = errors.New("journal is closed")

// WriteError wraps errors that occur while appending.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "journal: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
