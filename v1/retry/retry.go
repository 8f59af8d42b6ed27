// Package retry wraps store operations prone to transient failures in
// exponential backoff. The persistent mutex uses it around every SQLite
// statement; it is exported because pipeline callers tend to need the same
// policy around their own store access.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultMaxRetries is the number of retries after the initial attempt.
	DefaultMaxRetries = 8
	// DefaultInterval is the delay before the first retry. Each subsequent
	// delay doubles.
	DefaultInterval = 100 * time.Millisecond
)

// Option configures Do.
type Option func(*config)

type config struct {
	maxRetries uint64
	interval   time.Duration
	notify     backoff.Notify
}

// WithMaxRetries sets the retry cap. The operation runs at most cap+1 times.
func WithMaxRetries(n uint64) Option {
	return func(cfg *config) {
		cfg.maxRetries = n
	}
}

// WithInterval sets the delay before the first retry.
func WithInterval(d time.Duration) Option {
	return func(cfg *config) {
		cfg.interval = d
	}
}

// WithNotify registers a callback invoked before each retry with the error
// that caused it and the delay about to be slept.
func WithNotify(f backoff.Notify) Option {
	return func(cfg *config) {
		cfg.notify = f
	}
}

// Do executes op, retrying while transient reports the returned error as
// recoverable. Delays start at the configured interval and double on every
// retry; once the cap is exhausted the last error is returned unchanged.
// Errors transient reports false for are returned immediately without retry.
func Do[T any](ctx context.Context, transient func(error) bool, op func() (T, error), opts ...Option) (T, error) {
	cfg := config{maxRetries: DefaultMaxRetries, interval: DefaultInterval}
	for _, opt := range opts {
		opt(&cfg)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.interval
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	exp.MaxInterval = cfg.interval << cfg.maxRetries

	b := backoff.WithContext(backoff.WithMaxRetries(exp, cfg.maxRetries), ctx)
	return backoff.RetryNotifyWithData(func() (T, error) {
		v, err := op()
		if err != nil && !transient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, b, cfg.notify)
}
