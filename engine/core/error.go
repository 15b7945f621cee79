package core

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure for machine handling.
type ErrorCode string

const (
	CodeConfiguration ErrorCode = "configuration_error"
	CodeResolution    ErrorCode = "resolution_error"
	CodeExecutor      ErrorCode = "executor_failure"
	CodeSafetyDenial  ErrorCode = "safety_denial"
	CodeTimeout       ErrorCode = "timeout"
	CodeCanceled      ErrorCode = "canceled"
)

// Error is the structured error envelope used across the engine. It carries a
// machine code plus free-form details so callers never have to parse messages.
type Error struct {
	Code    ErrorCode      `json:"code"              yaml:"code"`
	Message string         `json:"message"           yaml:"message"`
	Details map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
	cause   error
}

func NewError(cause error, code ErrorCode, details map[string]any) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: code, Message: msg, Details: details, cause: cause}
}

func Errorf(code ErrorCode, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Code: code, Message: err.Error(), cause: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// AsError extracts a *Error from err's chain, or wraps err as an executor
// failure when no structured error is present.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr
	}
	return NewError(err, CodeExecutor, nil)
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Code == code
	}
	return false
}
