package types

import "fmt"

// ErrorCode represents a unified error code across the service.
type ErrorCode string

// Request error codes (rejected synchronously).
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrInvalidPatch   ErrorCode = "INVALID_PATCH"
	ErrCooldownActive ErrorCode = "COOLDOWN_ACTIVE"
	ErrJobNotFound    ErrorCode = "JOB_NOT_FOUND"
	ErrObjectNotFound ErrorCode = "OBJECT_NOT_FOUND"
)

// Pipeline error codes (recorded asynchronously on the job).
const (
	ErrModelUnavailable ErrorCode = "MODEL_UNAVAILABLE"
	ErrCancelled        ErrorCode = "CANCELLED"
	ErrStageTimeout     ErrorCode = "STAGE_TIMEOUT"
)

// Internal error codes.
const (
	ErrAlreadyCommitted ErrorCode = "ALREADY_COMMITTED"
	ErrInternalError    ErrorCode = "INTERNAL_ERROR"
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

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
