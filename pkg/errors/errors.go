// Package errors holds the sentinel errors shared by services, repositories
// and the HTTP layer. Wrap them with fmt.Errorf("component: action: %w", ...)
// and test with errors.Is.
package errors

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation error")
	ErrUnavailable = errors.New("service unavailable")
	// ErrOutsideWindow is returned when work is refused because the send window is closed.
	ErrOutsideWindow = errors.New("outside send window")
	// ErrLocked means another process currently holds the run lock for a job.
	ErrLocked = errors.New("locked by another runner")
)
