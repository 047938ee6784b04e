package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() service.RetryOptions {
	return service.RetryOptions{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return Retryable(ErrExternalService)
		}
		return nil
	}, fastRetry())

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return Permanent(ErrMalformedResponse)
	}, fastRetry())

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestWithRetry_UnmarkedErrorsAreNotRetried(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return errors.New("boom")
	}, fastRetry())

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_Exhausted(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return Retryable(ErrExternalService)
	}, fastRetry())

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrMaxRetries)
	assert.ErrorIs(t, err, ErrExternalService)
}

func TestWithRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := fastRetry()
	opts.InitialDelay = time.Second
	opts.MaxDelay = time.Second

	err := WithRetry(ctx, func() error {
		cancel()
		return Retryable(ErrExternalService)
	}, opts)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff_DelayFor(t *testing.T) {
	opts := service.RetryOptions{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
	}
	transient := Retryable(ErrExternalService)

	tests := []struct {
		name string
		errs []error
		want []time.Duration
	}{
		{
			name: "exponential and capped",
			errs: []error{transient, transient, transient, transient},
			want: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond},
		},
		{
			name: "rate limit without hint waits the maximum",
			errs: []error{fmt.Errorf("wrapped: %w", ErrRateLimit), transient},
			want: []time.Duration{50 * time.Millisecond, 10 * time.Millisecond},
		},
		{
			name: "rate limit hint is honored",
			errs: []error{&RateLimitError{Err: errors.New("slow down"), RetryAfter: 30 * time.Millisecond}},
			want: []time.Duration{30 * time.Millisecond},
		},
		{
			name: "rate limit hint is capped",
			errs: []error{&RateLimitError{Err: errors.New("slow down"), RetryAfter: time.Minute}},
			want: []time.Duration{50 * time.Millisecond},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackoff(opts)
			for i, err := range tt.errs {
				assert.Equal(t, tt.want[i], b.delayFor(err), "delay %d", i)
			}
		})
	}
}

func TestRateLimitError(t *testing.T) {
	err := &RateLimitError{Err: errors.New("openai API error (status 429)"), RetryAfter: 2 * time.Second}
	assert.ErrorIs(t, err, ErrRateLimit)
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "retry after 2s")

	calls := 0
	require.NoError(t, WithRetry(context.Background(), func() error {
		calls++
		if calls == 1 {
			return &RateLimitError{Err: errors.New("busy"), RetryAfter: time.Millisecond}
		}
		return nil
	}, fastRetry()))
	assert.Equal(t, 2, calls)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrPersistenceConflict))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", ErrRateLimit)))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(ErrMalformedResponse))
	assert.True(t, IsRetryable(Retryable(errors.New("x"))))
}

func TestPhaseError(t *testing.T) {
	err := NewPhaseError("doc-1", model.PhaseSubfamily, ErrGuardrailViolation)

	assert.ErrorIs(t, err, ErrGuardrailViolation)
	assert.Contains(t, err.Error(), "doc-1")
	assert.Contains(t, err.Error(), "subfamily")

	phase, ok := PhaseOf(fmt.Errorf("outer: %w", err))
	assert.True(t, ok)
	assert.Equal(t, model.PhaseSubfamily, phase)

	assert.NoError(t, NewPhaseError("doc-1", model.PhaseFamily, nil))
}

func TestParseLevel(t *testing.T) {
	_, err := ParseLevel("verbose")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, "WARN", lvl.String())
}
