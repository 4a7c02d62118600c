// Package errors defines the sentinel errors shared by the index workers and
// the classification helpers the worker loops use to decide between retrying
// a step and giving up on it.
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrOccConflict       = errors.New("optimistic concurrency conflict")
	ErrOverloaded        = errors.New("overloaded")
	ErrVersionMismatch   = errors.New("index version mismatch")
	ErrMalformedRecord   = errors.New("malformed record")
	ErrInvalidTransition = errors.New("invalid index state transition")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInternal          = errors.New("internal error")
	ErrTimeout           = errors.New("operation timed out")
)

// AppError attaches a human-readable message to one of the sentinels above
// while keeping errors.Is working against the sentinel.
type AppError struct {
	Err     error
	Message string
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, message string) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: message,
	}
}

func Newf(sentinel error, format string, args ...any) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: fmt.Sprintf(format, args...),
	}
}

// Retryable reports whether a failed worker step should be retried with
// backoff. Everything else is fatal to the worker.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrOccConflict), errors.Is(err, ErrOverloaded), errors.Is(err, ErrTimeout):
		return true
	default:
		return false
	}
}

// Class returns a short label for err, used as a metrics label value.
func Class(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrOccConflict):
		return "occ_conflict"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrVersionMismatch):
		return "version_mismatch"
	case errors.Is(err, ErrMalformedRecord):
		return "malformed_record"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "internal"
	}
}
