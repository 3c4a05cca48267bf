package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Entity errors
	ErrScheduleNotFound  = errors.New("schedule not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrContactNotFound   = errors.New("contact not found")

	// Concurrency errors
	ErrUpdateConflict   = errors.New("update conflict: record changed since read")
	ErrScheduleConflict = errors.New("schedule conflicts with queued or running work")

	// Validation errors
	ErrValidation = errors.New("validation failed")

	// Permission errors
	ErrPermissionDenied = errors.New("permission denied")

	// Vendor errors
	ErrVendorBusy     = errors.New("vendor executable is running")
	ErrVendorTimeout  = errors.New("execution timeout")
	ErrVendorAborted  = errors.New("vendor reported aborted run")
	ErrMethodNotFound = errors.New("method file not found")

	// Transport errors
	ErrTransport = errors.New("transport failure")

	// State errors
	ErrAlreadyStarted     = errors.New("already started")
	ErrNotStarted         = errors.New("not started")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrRecoveryRequired   = errors.New("manual recovery required")
)

// Error provides structured error information with context.
// It implements the error interface and supports error wrapping.
type Error struct {
	Op      string // Operation that failed (e.g., "store.UpdateSchedule")
	Kind    string // Error kind (e.g., "conflict", "validation", "transport")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error. Message wins
// over the wrapped sentinel: the sentinel classifies, the message says
// what actually went wrong.
func (e *Error) Error() string {
	var detail string
	switch {
	case e.Message != "":
		detail = e.Message
	case e.Err != nil:
		detail = e.Err.Error()
	default:
		return fmt.Sprintf("%s error", e.Kind)
	}
	if e.Op != "" {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %s", e.Op, e.ID, detail)
		}
		return fmt.Sprintf("%s: %s", e.Op, detail)
	}
	return detail
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured Error.
func NewError(op, kind string, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// ValidationError creates a field-level validation error. The field
// travels in ID; Error() renders "validate [field]: message".
func ValidationError(field, message string) *Error {
	return &Error{
		Op:      "validate",
		Kind:    "validation",
		ID:      field,
		Message: message,
		Err:     ErrValidation,
	}
}

// IsNotFound checks if an error represents a "not found" condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrScheduleNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrContactNotFound)
}

// IsConflict checks if an error is an optimistic-concurrency conflict.
// Callers must refresh their copy and retry.
func IsConflict(err error) bool {
	return errors.Is(err, ErrUpdateConflict)
}

// IsValidation checks if an error is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsVendorBusy checks if an error means the vendor executable was
// running at dispatch time. Handled internally by rescheduling.
func IsVendorBusy(err error) bool {
	return errors.Is(err, ErrVendorBusy)
}

// IsTransport checks if an error is a connectivity failure (SMTP,
// vendor DB, or store).
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}
