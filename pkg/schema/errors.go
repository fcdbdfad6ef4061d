package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeDefinition     = "DEFINITION_ERROR"
	ErrCodeUnknownEvent   = "UNKNOWN_EVENT"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeBusy           = "BUSY"
	ErrCodeActionFatal    = "ACTION_FATAL"
	ErrCodeActionDegraded = "ACTION_DEGRADED"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeExpression     = "EXPRESSION_ERROR"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodeCircuitOpen    = "CIRCUIT_OPEN"
	ErrCodeShutdown       = "SHUTDOWN"
	ErrCodeUnavailable    = "HANDLER_UNAVAILABLE"
	ErrCodeExecution      = "EXECUTION_ERROR"
)

// LifecycleError is the structured error type returned by the engine.
type LifecycleError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	Cause      error          `json:"-"`
}

func (e *LifecycleError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("[%s] instance %s: %s", e.Code, e.InstanceID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *LifecycleError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether retrying the failed operation may succeed.
// Definition, validation and unknown-event errors never change on retry.
func (e *LifecycleError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeDefinition, ErrCodeUnknownEvent, ErrCodeValidation,
		ErrCodeNotFound, ErrCodeExpression, ErrCodeActionFatal, ErrCodeUnavailable:
		return false
	default:
		return true
	}
}

// NewError creates a new LifecycleError.
func NewError(code, message string) *LifecycleError {
	return &LifecycleError{Code: code, Message: message}
}

// NewErrorf creates a new LifecycleError with a formatted message.
func NewErrorf(code, format string, args ...any) *LifecycleError {
	return &LifecycleError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithInstance attaches an instance ID to the error.
func (e *LifecycleError) WithInstance(instanceID string) *LifecycleError {
	e.InstanceID = instanceID
	return e
}

// WithCause attaches an underlying cause.
func (e *LifecycleError) WithCause(err error) *LifecycleError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *LifecycleError) WithDetails(details map[string]any) *LifecycleError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first LifecycleError in err's chain, or "".
func CodeOf(err error) string {
	var lerr *LifecycleError
	if errors.As(err, &lerr) {
		return lerr.Code
	}
	return ""
}

// IsCode reports whether err's chain carries a LifecycleError with the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
