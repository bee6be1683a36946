// Package retry runs fallible operations under a backoff strategy.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy decides how long to wait between attempts.
type Strategy = backoff.BackOff

// Exponential backs off from 250ms up to 10s between attempts, with jitter.
func Exponential() Strategy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Fixed waits the same duration between every attempt.
func Fixed(d time.Duration) Strategy {
	return backoff.NewConstantBackOff(d)
}

// Permanent wraps err so that Do stops retrying and returns err as is.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, maxAttempts is reached or ctx is done.
func Do[T any](ctx context.Context, maxAttempts int, strategy Strategy, op func() (T, error)) (T, error) {
	var out T
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(strategy, uint64(maxAttempts-1)), ctx)
	err := backoff.Retry(func() error {
		var err error
		out, err = op()
		return err
	}, b)
	return out, err
}

// Do0 is Do for operations without a result.
func Do0(ctx context.Context, maxAttempts int, strategy Strategy, op func() error) error {
	_, err := Do(ctx, maxAttempts, strategy, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
