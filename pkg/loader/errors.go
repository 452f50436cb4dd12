package loader

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrOffline marks a request that was queued because connectivity was
	// lost. It is never reported as a failure.
	ErrOffline = errors.New("loader: offline, request queued")

	// ErrUnknownRequest is returned for ids the tracker does not hold.
	ErrUnknownRequest = errors.New("loader: unknown request")

	// ErrNotFailed is returned when retrying a request that has not failed.
	ErrNotFailed = errors.New("loader: request has not failed")
)

// TerminalError is the error surfaced for a request whose retries are
// exhausted.
type TerminalError struct {
	Err     error
	Retries int
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("load failed after %d retries: %v", e.Retries, e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// IsCancelled reports whether err is a cancellation rather than a failure.
// Deadline expiry is not a cancellation: it is a transient failure.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
