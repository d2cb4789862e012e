package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// MaxJitter is the upper bound (exclusive) of the random jitter added to
// every backoff delay.
const MaxJitter = 400 * time.Millisecond

// permanentError wraps an error that should not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error to signal that it should not be retried.
func Permanent(err error) error {
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Delay returns the deterministic part of the backoff for the given attempt
// (1-based): 1s doubling per attempt, capped at 20s.
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 20*time.Second {
			return 20 * time.Second
		}
	}
	return d
}

type options struct {
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
	jitter      func() time.Duration
}

// Option configures retry behavior.
type Option func(*options)

// WithMaxAttempts sets the maximum number of attempts (including first try).
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithSleeper replaces the sleep function. Tests use this to record delays
// instead of waiting.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = sleep }
}

// WithJitter replaces the jitter source.
func WithJitter(jitter func() time.Duration) Option {
	return func(o *options) { o.jitter = jitter }
}

func resolveOptions(opts []Option) options {
	o := options{
		maxAttempts: 5,
		sleep:       sleepCtx,
		jitter:      func() time.Duration { return time.Duration(rand.Int63n(int64(MaxJitter))) },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Do executes fn, retrying on failure with exponential backoff plus jitter.
// It stops retrying when fn returns nil, a permanent error, or the context
// is cancelled. Returns the last error on exhaustion.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := resolveOptions(opts)

	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var pe *permanentError
		if errors.As(lastErr, &pe) {
			return pe.err
		}

		// Don't sleep after the last attempt.
		if attempt < o.maxAttempts {
			if err := o.sleep(ctx, Delay(attempt)+o.jitter()); err != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

// DoVal is like Do but for functions that return a value and an error.
func DoVal[T any](ctx context.Context, fn func() (T, error), opts ...Option) (T, error) {
	o := resolveOptions(opts)

	var lastErr error
	var zero T
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		val, err := fn()
		if err == nil {
			return val, nil
		}
		lastErr = err

		var pe *permanentError
		if errors.As(lastErr, &pe) {
			return zero, pe.err
		}

		if attempt < o.maxAttempts {
			if err := o.sleep(ctx, Delay(attempt)+o.jitter()); err != nil {
				return zero, lastErr
			}
		}
	}
	return zero, lastErr
}
