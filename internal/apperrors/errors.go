// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrSaturated  = errors.New("saturated")
	ErrTerminal   = errors.New("already terminal")
	ErrInternal   = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "key", "datasetPath")
	Resource string // For not found/conflict (e.g., "job")
	State    string // For AlreadyActive/Terminal: the job's current state
	Op       string // Operation that failed (e.g., "history.append")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// AlreadyActive creates a conflict error for a job key that already has a
// live (non-terminal) job. The rejected caller can inspect State to decide
// whether to poll instead of resubmitting.
func AlreadyActive(key, state string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  fmt.Sprintf("job %s already active (state %s)", key, state),
		Resource: "job",
		State:    state,
	}
}

// Saturated creates an error indicating the executor backend cannot accept
// more work right now. Distinct from a job-logic failure; callers retry later.
func Saturated(backend, reason string) error {
	return &Error{
		Sentinel: ErrSaturated,
		Message:  reason,
		Resource: backend,
	}
}

// Terminal creates an error indicating an operation targeted a job that has
// already reached a terminal state.
func Terminal(key, state string) error {
	return &Error{
		Sentinel: ErrTerminal,
		Message:  fmt.Sprintf("job %s already terminal (state %s)", key, state),
		Resource: "job",
		State:    state,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// StateOf extracts the State field carried by an AlreadyActive or Terminal
// error, or "" if the error carries none.
func StateOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.State
	}
	return ""
}
