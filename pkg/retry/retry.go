// Package retry provides retry logic with bounded exponential backoff.
package retry

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (0 = infinite)
	InitialWait time.Duration // Wait before the first retry
	MaxWait     time.Duration // Upper bound on any single wait
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)
}

// DefaultConfig returns the list engine defaults: 3 retries waiting
// 3s, 6s, then 12s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 3 * time.Second,
		MaxWait:     12 * time.Second,
		Multiplier:  2.0,
	}
}

// Backoff returns the wait before retry number n (1-based):
// min(InitialWait * Multiplier^(n-1), MaxWait), with optional jitter.
func Backoff(cfg Config, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 2
	}
	wait := float64(cfg.InitialWait) * math.Pow(mult, float64(n-1))
	if cfg.MaxWait > 0 && wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}

	if cfg.Jitter > 0 {
		jitter := wait * cfg.Jitter * (rand.Float64()*2 - 1)
		wait += jitter
	}
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait)
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// PermanentError wraps an error that must never be retried.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string {
	return e.Err.Error()
}

func (e PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to mark it as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

// IsPermanent returns true if the error was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent PermanentError
	return errors.As(err, &permanent)
}
