package bundle

import (
	"errors"
	"fmt"
)

var (
	// ErrEntryNotFound indicates the container holds no entry for an iteration.
	ErrEntryNotFound = errors.New("bundle entry not found")

	// ErrChecksumMismatch indicates a stored entry no longer matches its digest.
	ErrChecksumMismatch = errors.New("bundle entry checksum mismatch")
)

// FileError records a failure for a single artifact during a bundle pass.
//
// FileErrors are collected rather than returned so one bad file never aborts
// the rest of the batch.
type FileError struct {
	// Op is the step that failed (e.g. "read", "insert", "remove").
	Op string

	// Path is the standalone artifact path.
	Path string

	// Iteration is the artifact iteration.
	Iteration int

	// Err is the underlying error.
	Err error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("bundle %s %s (iteration %d): %v", e.Op, e.Path, e.Iteration, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}
