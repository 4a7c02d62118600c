package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Retry
// ---------------------------------------------------------------------------

func TestRetryIfStopsOnFatalError(t *testing.T) {
	calls := 0
	fatal := apperrors.New(apperrors.ErrMalformedRecord, "bad tag")
	err := RetryIf(context.Background(), "commit", RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond},
		apperrors.Retryable,
		func() error {
			calls++
			return fatal
		})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, apperrors.ErrMalformedRecord)
}

func TestRetryIfRetriesConflicts(t *testing.T) {
	calls := 0
	err := RetryIf(context.Background(), "commit", RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		apperrors.Retryable,
		func() error {
			calls++
			if calls < 3 {
				return fmt.Errorf("commit: %w", apperrors.ErrOccConflict)
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	err := Retry(context.Background(), "op", RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}, func() error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "all 2 attempts failed for op")
}

func TestBackoffGrowsAndResets(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 50*time.Millisecond)
	first := b.Fail()
	assert.InDelta(t, float64(10*time.Millisecond), float64(first), float64(2*time.Millisecond))
	for i := 0; i < 10; i++ {
		b.Fail()
	}
	assert.LessOrEqual(t, b.Fail(), 50*time.Millisecond)
	assert.Equal(t, 12, b.Failures())
	b.Reset()
	assert.Equal(t, 0, b.Failures())
}

// ---------------------------------------------------------------------------
// Circuit breaker
// ---------------------------------------------------------------------------

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker("blobstore", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	now := time.Unix(1000, 0)
	cb.now = func() time.Time { return now }

	boom := errors.New("boom")
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)

	now = now.Add(time.Minute)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreakerIgnoresClassifiedErrors(t *testing.T) {
	cb := NewCircuitBreaker("blobstore", CircuitBreakerConfig{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, apperrors.ErrNotFound) },
	})
	_ = cb.Execute(func() error { return apperrors.ErrNotFound })
	assert.Equal(t, StateClosed, cb.GetState())
}

// ---------------------------------------------------------------------------
// Timeout
// ---------------------------------------------------------------------------

func TestWithTimeoutIsRetryable(t *testing.T) {
	err := WithTimeout(context.Background(), 5*time.Millisecond, "publish", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, apperrors.Retryable(err))
}
