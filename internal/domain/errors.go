package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable signals a call skipped because the backend's circuit is open.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrBackendCallFailed signals an attempted backend call that errored or timed out.
	ErrBackendCallFailed = errors.New("backend call failed")
	// ErrAllBackendsUnavailable signals that every applicable backend was down or failed.
	ErrAllBackendsUnavailable = errors.New("all backends unavailable")
	// ErrInvalidConfiguration signals a construction-time configuration failure.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrInvalidQuery signals a query that failed validation.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrUnknownStrategy signals an unrecognized execution strategy.
	ErrUnknownStrategy = errors.New("unknown strategy")
	// ErrUnknownBackend signals a backend role with no registered backend.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrRateLimited signals a rate limit hit.
	ErrRateLimited = errors.New("rate limited")
	// ErrEngineClosed signals an operation against a disposed engine.
	ErrEngineClosed = errors.New("engine closed")
)

// UnavailableError wraps ErrBackendUnavailable with the backend that was skipped.
type UnavailableError struct {
	Backend string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %s circuit open", ErrBackendUnavailable.Error(), e.Backend)
}

func (e *UnavailableError) Unwrap() error { return ErrBackendUnavailable }

// NewUnavailable creates a skipped-call error for a backend.
func NewUnavailable(backend string) error {
	return &UnavailableError{Backend: backend}
}

// CallFailedError wraps ErrBackendCallFailed with the backend and underlying cause.
type CallFailedError struct {
	Backend string
	Err     error
}

func (e *CallFailedError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrBackendCallFailed.Error(), e.Backend, e.Err)
}

func (e *CallFailedError) Unwrap() []error { return []error{ErrBackendCallFailed, e.Err} }

// NewCallFailed creates an attempted-call failure for a backend.
func NewCallFailed(backend string, err error) error {
	return &CallFailedError{Backend: backend, Err: err}
}
