package retry

import (
	"context"
	"errors"
	"time"
)

// Func is a function that can be retried
type Func func(ctx context.Context) error

// DelayFunc is a closure which will return delay generator function
type DelayFunc func() func() time.Duration

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type config struct {
	maxAttempts int
	delayFunc   DelayFunc
}

// Option configures the retrier
type Option func(*config)

// WithMaxAttempts sets the maximum number of attempts.
// The default is 3. Values below 1 retry until the context is done.
func WithMaxAttempts(n int) Option {
	return func(c *config) {
		c.maxAttempts = n
	}
}

// WithDelayFunc sets the function which will
// return timeout duration for every attempt.
// The default function will return: 150ms, 300ms, 600ms.
func WithDelayFunc(d DelayFunc) Option {
	return func(c *config) {
		c.delayFunc = d
	}
}

// WithBaseDelay keeps the default doubling schedule but starts it from base.
func WithBaseDelay(base time.Duration) Option {
	return WithDelayFunc(Backoff(base, 0))
}

// Backoff returns a doubling delay generator starting at base.
// A positive ceiling caps every produced delay.
func Backoff(base, ceiling time.Duration) DelayFunc {
	return func() func() time.Duration {
		delay := base
		return func() time.Duration {
			d := delay
			if ceiling > 0 && d > ceiling {
				d = ceiling
			}
			if ceiling <= 0 || delay < ceiling {
				delay <<= 1
			}
			return d
		}
	}
}

func Do(ctx context.Context, fn Func, opts ...Option) error {
	cfg := &config{
		maxAttempts: 3,
		delayFunc:   Backoff(150*time.Millisecond, 0),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	var lastErr error
	df := cfg.delayFunc()
	for attempt := 0; cfg.maxAttempts < 1 || attempt < cfg.maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if attempt == cfg.maxAttempts-1 {
			break
		}

		timer := time.NewTimer(df())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
