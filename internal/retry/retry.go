// Package retry runs an operation with exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy holds retry configuration.
type Policy struct {
	Attempts int           // total attempts, at least 1
	MinDelay time.Duration // wait before the second attempt
	MaxDelay time.Duration // cap on any single wait (0 = uncapped)
	Factor   float64       // backoff multiplier
	Jitter   float64       // jitter factor (0-1)
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 3,
		MinDelay: 500 * time.Millisecond,
		MaxDelay: 10 * time.Second,
		Factor:   2.0,
		Jitter:   0.1,
	}
}

// PermanentError wraps an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string {
	return e.Err.Error()
}

func (e PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p PermanentError
	return errors.As(err, &p)
}

// Delay returns the wait after the given (1-based) failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	wait := float64(p.MinDelay) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelay > 0 && wait > float64(p.MaxDelay) {
		wait = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		wait += wait * p.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

// Do executes fn until it succeeds, returns a permanent error, the
// attempts are exhausted or ctx is done. onRetry, when non-nil, is called
// before each wait.
func Do[T any](ctx context.Context, p Policy, fn func(attempt int) (T, error), onRetry func(attempt int, err error, wait time.Duration)) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err

		var perm PermanentError
		if errors.As(err, &perm) {
			return zero, perm.Err
		}
		if attempt == attempts {
			break
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		wait := p.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
	}
	return zero, lastErr
}
