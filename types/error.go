package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the coordinator.
type ErrorCode string

const (
	// ErrLockConflict means the task is already claimed by another agent.
	// Expected under contention; callers should try another task or back off.
	ErrLockConflict ErrorCode = "LOCK_CONFLICT"
	// ErrLockNotOwned means a release/renew was attempted by a non-owner,
	// usually because the lease already expired or was reclaimed.
	ErrLockNotOwned ErrorCode = "LOCK_NOT_OWNED"
	// ErrNotFound means the requested record does not exist.
	ErrNotFound ErrorCode = "NOT_FOUND"
	// ErrBackendUnavailable means the lease store could not be reached.
	ErrBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	// ErrCorruptRecord means a stored record failed to parse.
	ErrCorruptRecord ErrorCode = "CORRUPT_RECORD"
	// ErrTimeout means a blocking call exceeded its bound.
	ErrTimeout ErrorCode = "TIMEOUT"
	// ErrInvalidTransition means a task state change is not allowed.
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	// ErrAlreadyRunning means another coordinator instance holds the
	// single-instance guard on this host.
	ErrAlreadyRunning ErrorCode = "ALREADY_RUNNING"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// CodeOf extracts the ErrorCode from err, or "" if err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsLockConflict reports whether err is a LOCK_CONFLICT error.
func IsLockConflict(err error) bool { return IsCode(err, ErrLockConflict) }

// IsLockNotOwned reports whether err is a LOCK_NOT_OWNED error.
func IsLockNotOwned(err error) bool { return IsCode(err, ErrLockNotOwned) }

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return IsCode(err, ErrNotFound) }

// IsCorruptRecord reports whether err is a CORRUPT_RECORD error.
func IsCorruptRecord(err error) bool { return IsCode(err, ErrCorruptRecord) }

// IsBackendUnavailable reports whether err is a BACKEND_UNAVAILABLE error.
func IsBackendUnavailable(err error) bool { return IsCode(err, ErrBackendUnavailable) }

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
