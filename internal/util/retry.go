package util

import (
	"context"
	"errors"
	"time"
)

// BackoffOptions bound an exponential-backoff retry loop. The delay before
// attempt n is Base * 2^(n-1), capped at Cap.
type BackoffOptions struct {
	Base     time.Duration
	Cap      time.Duration
	MaxTries int
}

// DefaultBackoff matches the ingest handler retry policy: base 1s, cap 30s,
// ten attempts before the op is dead-lettered.
var DefaultBackoff = BackoffOptions{
	Base:     time.Second,
	Cap:      30 * time.Second,
	MaxTries: 10,
}

// RetryBackoff calls fn with bounded exponential backoff until it returns nil
// error, ctx is done, or the attempt budget is exhausted. Context errors stop
// the loop immediately. Sleeping between attempts respects ctx cancellation.
func RetryBackoff(ctx context.Context, opts BackoffOptions, fn func(context.Context) error) error {
	if opts.MaxTries <= 0 {
		opts.MaxTries = 1
	}
	if opts.Base <= 0 {
		opts.Base = time.Second
	}
	if opts.Cap <= 0 {
		opts.Cap = opts.Base
	}

	var lastErr error
	delay := opts.Base
	for i := 0; i < opts.MaxTries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err

		if i == opts.MaxTries-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > opts.Cap {
			delay = opts.Cap
		}
	}
	return lastErr
}
