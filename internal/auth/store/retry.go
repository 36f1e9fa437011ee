package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultRetryMaxElapsed bounds how long WithRetry keeps trying.
const DefaultRetryMaxElapsed = 2 * time.Second

// WithRetry runs fn and retries it with exponential backoff while it fails
// with ErrUnavailable. Any other error, or a cancelled ctx, stops at once.
// A maxElapsed of zero disables retrying.
func WithRetry(ctx context.Context, maxElapsed time.Duration, fn func() error) error {
	if maxElapsed <= 0 {
		return fn()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = maxElapsed

	return backoff.Retry(func() error {
		err := fn()
		if err == nil || errors.Is(err, ErrUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}
