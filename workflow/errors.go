// Package workflow provides the core Stratix execution engine: definition
// validation, the template resolver, the executor contract and registry,
// retry policy, node dispatch, and the instance state machine driver.
package workflow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an Error for retry decisions and API mapping.
type ErrorKind string

// Error kinds. Stable values; they appear in error_details and events.
const (
	KindValidation      ErrorKind = "validation"
	KindNotFound        ErrorKind = "not_found"
	KindConflict        ErrorKind = "conflict"
	KindStateTransition ErrorKind = "state_transition"
	KindExecutorFailed  ErrorKind = "executor_failed"
	KindTimeout         ErrorKind = "timeout"
	KindEngineLost      ErrorKind = "engine_lost"
	KindDatabase        ErrorKind = "database"
	KindInternal        ErrorKind = "internal"
)

// Error is the structured error type for expected failure conditions.
// Retryable steers the engine's retry policy: a non-retryable error fails
// the node immediately regardless of remaining attempts.
type Error struct {
	Kind      ErrorKind
	Code      string
	Message   string
	Retryable bool
	Details   map[string]any
	Cause     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// NewError creates an Error with the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps err in an Error of the given kind, preserving the chain.
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

// WithCode sets the stable machine-readable code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// AsRetryable marks the error as retryable.
func (e *Error) AsRetryable() *Error {
	e.Retryable = true
	return e
}

// WithDetails attaches structured context surfaced as errorDetails.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// IsRetryable reports whether err should re-enter the retry loop. Plain
// errors default to retryable; only an explicit *Error can opt out.
func IsRetryable(err error) bool {
	var we *Error
	if errors.As(err, &we) {
		return we.Retryable
	}
	return true
}

// KindOf extracts the ErrorKind from err, or KindInternal for plain errors.
func KindOf(err error) ErrorKind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindInternal
}
