// Package retry wraps fallible operations with classified, linearly backed
// off retries. Only errors marked transient are retried; validation errors
// and gateway declines surface immediately.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// transientError marks an error as eligible for retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err should be retried: errors marked with
// Transient, network timeouts, and deadline expiry. Everything else is
// permanent.
func IsTransient(err error) bool {
	var t *transientError
	if errors.As(err, &t) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// linear backs off baseDelay * attemptNumber: base, 2*base, 3*base, ...
type linear struct {
	base time.Duration
	n    int
}

func (l *linear) NextBackOff() time.Duration {
	l.n++
	return time.Duration(l.n) * l.base
}

func (l *linear) Reset() { l.n = 0 }

// Do runs op until it succeeds, returns a non-transient error, or exhausts
// cfg.MaxAttempts. The last underlying error is returned on exhaustion. The
// attempt counter, when non-nil, is incremented before each try so callers
// can record how many attempts a result cost.
func Do[T any](ctx context.Context, cfg Config, attempts *int, op func() (T, error)) (T, error) {
	wrapped := func() (T, error) {
		if attempts != nil {
			*attempts++
		}
		v, err := op()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(&linear{base: cfg.BaseDelay}),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
	)
}
