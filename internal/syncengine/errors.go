package syncengine

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotImplemented      = errors.New("not implemented")
	ErrQueueFull           = errors.New("queue full")
	ErrLookupMiss          = errors.New("lookup miss")
	ErrUnrecognizedEvent   = errors.New("unrecognized event")
	ErrReconcileInProgress = errors.New("reconcile already in progress")
	ErrClosed              = errors.New("engine closed")
	ErrSchemaMissing       = errors.New("mapping schema missing; run migrations")
)

// UpstreamError marks a failed call to the mapping store or to a remote
// collaborator. It is transient: the enclosing item is skipped, siblings proceed.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return e.Op + ": upstream failure"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *UpstreamError
	if errors.As(err, &existing) {
		return err
	}
	return &UpstreamError{Op: op, Err: err}
}

// HTTPError is returned by the collaborator clients for non-2xx responses
// that were not retried away.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}
