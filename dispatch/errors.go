package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrHandlerNotFound is returned when no handler is registered for a
	// request name.
	ErrHandlerNotFound = errors.New("handler not found")
	// ErrValidationFailed marks a request rejected before reaching its
	// handler. Match with errors.Is; inspect details via *ValidationError.
	ErrValidationFailed = errors.New("validation failed")
	// ErrDuplicateDetected reports that a message or request was already
	// handled. It is a normal outcome of at-least-once delivery, not a
	// failure.
	ErrDuplicateDetected = errors.New("duplicate detected")
	// ErrInFlight reports that an identical operation is currently running;
	// the caller should retry the lookup after a short delay.
	ErrInFlight = errors.New("operation in flight")
)

// FieldViolation describes a single validation failure.
type FieldViolation struct {
	Field   string
	Rule    string
	Message string
}

// ValidationError carries the field-level violations that caused a request
// to be rejected. It matches ErrValidationFailed under errors.Is.
type ValidationError struct {
	Violations []FieldViolation
}

// NewValidationError builds a ValidationError from one or more violations.
func NewValidationError(violations ...FieldViolation) *ValidationError {
	return &ValidationError{Violations: violations}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e == nil || len(e.Violations) == 0 {
		return "validation failed"
	}

	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Message != "" {
			parts = append(parts, v.Field+": "+v.Message)
			continue
		}

		parts = append(parts, v.Field+": "+v.Rule)
	}

	return "validation failed: " + strings.Join(parts, "; ")
}

// Is matches ErrValidationFailed so callers can classify without the
// concrete type.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable (deadlocks, lock conflicts, timeouts).
// Handlers and stores classify; retry logic only inspects.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &transientError{err: err}
}

// Transientf formats and marks an error as retryable in one step.
func Transientf(format string, args ...any) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err was marked retryable anywhere in its
// chain. Unclassified errors are not transient.
func IsTransient(err error) bool {
	var target *transientError
	return errors.As(err, &target)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as never retryable. Useful when a normally transient
// source (a store, a transport) reports an unrecoverable condition.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// IsPermanent reports whether err was explicitly marked non-retryable.
func IsPermanent(err error) bool {
	var target *permanentError
	return errors.As(err, &target)
}
