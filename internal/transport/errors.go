// ABOUTME: Transport error kinds: retryable faults versus permanent protocol errors

package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransport marks a log fault that persisted after every retry.
var ErrTransport = errors.New("log transport unavailable")

// Error is returned once retries are exhausted. It matches ErrTransport and the last cause.
type Error struct {
	Op       string
	Stream   string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: failed after %d attempts: %v", e.Op, e.Stream, e.Attempts, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// permanentError wraps a backend error that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// retryable reports whether a backend error is a transient fault.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrGroupExists) || errors.Is(err, ErrIncompatibleGroup) || errors.Is(err, ErrNoGroup) || errors.Is(err, ErrClosed) {
		return false
	}
	var p *permanentError
	return !errors.As(err, &p)
}
