package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRetryIdempotentSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	opts := RetryOptions{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxElapsed: time.Second, Limiter: rate.NewLimiter(rate.Inf, 1)}

	err := RetryIdempotent(context.Background(), opts, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestRetryIdempotentGivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	opts := RetryOptions{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxElapsed: time.Second, Limiter: rate.NewLimiter(rate.Inf, 1)}

	err := RetryIdempotent(context.Background(), opts, func() error {
		attempts++
		return errors.New("permanent")
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryIdempotentRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := RetryOptions{MaxAttempts: 3, BaseDelay: time.Millisecond, Limiter: rate.NewLimiter(rate.Inf, 1)}

	err := RetryIdempotent(ctx, opts, func() error {
		t.Fatal("fn must not run once the context is already cancelled")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
