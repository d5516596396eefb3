// Package errors provides error code definitions shared across the sync engine
// and its HTTP surface.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode represents a machine-readable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors. Offline means the call was never attempted and will be
	// retried automatically; Validation means the remote rejected the payload
	// and the entry will not be retried.
	ErrOffline        ErrorCode = "OFFLINE"
	ErrPoorConnection ErrorCode = "POOR_CONNECTION"
	ErrTransport      ErrorCode = "TRANSPORT_ERROR"
	ErrValidation     ErrorCode = "VALIDATION_ERROR"
	ErrSyncConflict   ErrorCode = "SYNC_CONFLICT"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error

	// RetryAfter is set on RATE_LIMITED errors so callers can schedule a
	// retry; zero otherwise.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// RateLimited creates a RATE_LIMITED error carrying a retry-after hint.
func RateLimited(message string, retryAfter time.Duration) *AppError {
	return &AppError{Code: ErrRateLimited, Message: message, RetryAfter: retryAfter}
}

// Is checks if an error carries a specific code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf extracts the error code from err, or ErrInternal if it carries none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether err represents a transient failure worth another
// attempt. Validation rejections and conflicts are terminal.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrTransport, ErrOffline, ErrPoorConnection, ErrRateLimited:
		return true
	}
	return false
}
