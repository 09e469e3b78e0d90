package core

// Federation sync retry primitive (SPEC_FULL.md C5 expansion): the network
// transport a sync client uses to pull peer DAG nodes and trust bundles is
// an excluded collaborator (spec §1), but the DAG engine's store operations
// are idempotent precisely so that primitive can retry safely (spec §5).
// This file provides that shared backoff/rate-limit helper, grounded on the
// teacher's virtual_machine.go `rate.NewLimiter` usage.

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RetryOptions configures RetryIdempotent.
type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxElapsed  time.Duration
	Limiter     *rate.Limiter
}

// DefaultRetryOptions matches spec §7's "internal storage reads may retry
// transient backend errors up to 3 times with exponential backoff".
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts: 3,
		BaseDelay:   20 * time.Millisecond,
		MaxElapsed:  2 * time.Second,
		Limiter:     rate.NewLimiter(rate.Limit(50), 10),
	}
}

// RetryIdempotent calls fn up to opts.MaxAttempts times with exponential
// backoff between attempts, respecting ctx cancellation and an optional
// token-bucket limiter. fn must be idempotent — a DAG store op, a
// TrustBundle fetch — since a retry after a transient error may re-run
// side effects that already landed.
func RetryIdempotent(ctx context.Context, opts RetryOptions, fn func() error) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	start := time.Now()
	delay := opts.BaseDelay
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(ctx); err != nil {
				return wrapErr(KindState, "retry rate limiter", err)
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if opts.MaxElapsed > 0 && time.Since(start) >= opts.MaxElapsed {
			break
		}
		if attempt < opts.MaxAttempts-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
	}
	return lastErr
}
