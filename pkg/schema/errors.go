package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeConcurrentModify = "CONCURRENT_MODIFICATION"
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeCapability       = "CAPABILITY_FAILURE"
	ErrCodeTimeout          = "TIMEOUT_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeStore            = "STORE_ERROR"
)

// PreceptorError is the structured error type for all preceptor operations.
type PreceptorError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	Cause      error          `json:"-"`
}

func (e *PreceptorError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("[%s] instance %s: %s", e.Code, e.InstanceID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PreceptorError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PreceptorError.
func NewError(code, message string) *PreceptorError {
	return &PreceptorError{Code: code, Message: message}
}

// NewErrorf creates a new PreceptorError with a formatted message.
func NewErrorf(code, format string, args ...any) *PreceptorError {
	return &PreceptorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithInstance attaches a workflow instance ID to the error.
func (e *PreceptorError) WithInstance(id string) *PreceptorError {
	e.InstanceID = id
	return e
}

// WithCause attaches an underlying cause.
func (e *PreceptorError) WithCause(err error) *PreceptorError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PreceptorError) WithDetails(details map[string]any) *PreceptorError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error kind is safe to retry.
// Timeouts and capability failures are retried by the engine; concurrent
// modification means the caller should resubmit the whole turn.
func (e *PreceptorError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeCapability, ErrCodeConcurrentModify:
		return true
	default:
		return false
	}
}

// IsCode reports whether err is a *PreceptorError carrying the given code.
func IsCode(err error, code string) bool {
	var pe *PreceptorError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
