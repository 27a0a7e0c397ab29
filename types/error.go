package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Request error codes
const (
	ErrValidation   ErrorCode = "VALIDATION"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrForbidden    ErrorCode = "FORBIDDEN"
	ErrRateLimited  ErrorCode = "RATE_LIMITED"
)

// Governance error codes
const (
	ErrDegradedMode        ErrorCode = "DEGRADED_MODE"
	ErrCancellationTimeout ErrorCode = "CANCELLATION_TIMEOUT"
)

// Infrastructure error codes
const (
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
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

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// NewValidationError reports a malformed request. Nothing was mutated.
func NewValidationError(format string, args ...any) *Error {
	return NewError(ErrValidation, fmt.Sprintf(format, args...)).WithHTTPStatus(http.StatusBadRequest)
}

// NewNotFoundError reports an unknown entity.
func NewNotFoundError(kind, id string) *Error {
	return NewError(ErrNotFound, fmt.Sprintf("%s %q not found", kind, id)).WithHTTPStatus(http.StatusNotFound)
}

// NewConflictError reports an operation on an entity in a state that does not allow it.
func NewConflictError(format string, args ...any) *Error {
	return NewError(ErrConflict, fmt.Sprintf(format, args...)).WithHTTPStatus(http.StatusConflict)
}

// NewDegradedModeError reports that a governance dependency is unreachable.
func NewDegradedModeError(message string, cause error) *Error {
	return NewError(ErrDegradedMode, message).
		WithCause(cause).
		WithHTTPStatus(http.StatusServiceUnavailable).
		WithRetryable(true)
}

// NewCancellationTimeoutError reports that the runtime did not acknowledge a cancel in time.
func NewCancellationTimeoutError(sessionID string, cause error) *Error {
	return NewError(ErrCancellationTimeout, fmt.Sprintf("cancellation of session %s not acknowledged", sessionID)).
		WithCause(cause)
}

// NewUpstreamError wraps a failure of an external collaborator.
func NewUpstreamError(message string, cause error) *Error {
	return NewError(ErrUpstreamError, message).
		WithCause(cause).
		WithHTTPStatus(http.StatusBadGateway).
		WithRetryable(true)
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
