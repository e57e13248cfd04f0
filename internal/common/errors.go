// Package common provides shared utilities and types used across the application.
package common

import (
	"errors"
	"fmt"
)

// Common application errors.
var (
	// Storage errors.
	ErrNotFound       = errors.New("not found")
	ErrDuplicateEntry = errors.New("duplicate entry")

	// Workflow errors.
	ErrUnknownWorkflow = errors.New("unknown workflow kind")
	ErrSessionBusy     = errors.New("session is already executing")

	// Collaborator errors.
	ErrRateLimit  = errors.New("rate limit exceeded")
	ErrMaxRetries = errors.New("max retries exceeded")
)

// ValidationError reports malformed input. It is raised before any state
// mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for a named field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ExternalServiceError reports a collaborator (embedding or classification
// service) failure. Callers retry a bounded number of times and then degrade
// the affected item instead of aborting the run.
type ExternalServiceError struct {
	Err     error
	Service string
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// NewExternalServiceError wraps a collaborator failure.
func NewExternalServiceError(service string, err error) error {
	return &ExternalServiceError{Service: service, Err: err}
}

// PersistenceError reports a store write failure. It is fatal for the
// current step: the session is marked errored at its last good checkpoint.
type PersistenceError struct {
	Err error
	Op  string
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError wraps a store write failure.
func NewPersistenceError(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// StateError reports an invalid resume or cancel call: wrong session status
// or unknown entity ids in feedback. It is rejected with no mutation and is
// safe to retry with corrected input.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string {
	return e.Reason
}

// NewStateError creates a StateError.
func NewStateError(format string, args ...any) error {
	return &StateError{Reason: fmt.Sprintf(format, args...)}
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRateLimit) {
		return true
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	var svcErr *ExternalServiceError
	return errors.As(err, &svcErr)
}
