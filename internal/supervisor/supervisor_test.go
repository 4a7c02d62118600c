package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/searchindex"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/metrics"
)

var fastRetry = config.RetryConfig{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

// ---------------------------------------------------------------------------
// Loops
// ---------------------------------------------------------------------------

func TestRetryableErrorsAreRetried(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	s := New(fastRetry, m)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	s.Add(Loop{Name: "flusher", Interval: time.Millisecond, Step: func(context.Context) error {
		n := calls.Add(1)
		switch {
		case n <= 2:
			return apperrors.New(apperrors.ErrOccConflict, "raced")
		case n == 3:
			return apperrors.New(apperrors.ErrOverloaded, "busy")
		case n >= 5:
			cancel()
		}
		return nil
	}})

	require.NoError(t, s.Run(ctx))
	assert.GreaterOrEqual(t, calls.Load(), int32(5))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WorkerErrorsTotal.WithLabelValues("flusher", "occ_conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerErrorsTotal.WithLabelValues("flusher", "overloaded")))
}

func TestFatalErrorStopsAllLoops(t *testing.T) {
	s := New(fastRetry, nil)
	var other atomic.Bool
	s.Add(Loop{Name: "broken", Interval: time.Millisecond, Step: func(context.Context) error {
		return apperrors.New(apperrors.ErrMalformedRecord, "bad state")
	}})
	s.Add(Loop{Name: "healthy", Interval: time.Millisecond, Step: func(ctx context.Context) error {
		other.Store(true)
		return nil
	}})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrMalformedRecord)
	assert.Contains(t, err.Error(), "broken")
}

func TestCancelledStepIsCleanShutdown(t *testing.T) {
	s := New(fastRetry, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Add(Loop{Name: "slow", Interval: time.Millisecond, Step: func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}})
	assert.NoError(t, s.Run(ctx))
}

func TestSlowStepTimesOutAndRetries(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	retry := fastRetry
	retry.StepTimeout = 5 * time.Millisecond
	s := New(retry, m)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	s.Add(Loop{Name: "compactor", Interval: time.Millisecond, Step: func(stepCtx context.Context) error {
		if calls.Add(1) == 1 {
			<-stepCtx.Done()
			return stepCtx.Err()
		}
		cancel()
		return nil
	}})

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerErrorsTotal.WithLabelValues("compactor", "timeout")))
}

// ---------------------------------------------------------------------------
// Leases
// ---------------------------------------------------------------------------

type fakeLease struct {
	mu       sync.Mutex
	free     bool
	renewErr error
	released bool
}

func (l *fakeLease) Acquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.free {
		return false, nil
	}
	l.free = false
	return true, nil
}

func (l *fakeLease) Renew(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renewErr
}

func (l *fakeLease) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	return nil
}

func (l *fakeLease) setFree() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.free = true
}

func TestLoopWaitsForLease(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	s := New(fastRetry, m)
	lease := &fakeLease{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var steps atomic.Int32
	s.Add(Loop{Name: "compactor", Interval: time.Millisecond, Lease: lease, Step: func(context.Context) error {
		if steps.Add(1) == 3 {
			cancel()
		}
		return nil
	}})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, steps.Load(), "no step runs without the lease")
	lease.setFree()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, int32(3), steps.Load())
	lease.mu.Lock()
	assert.True(t, lease.released)
	lease.mu.Unlock()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LeaseHeld.WithLabelValues("compactor")))
}

func TestLostLeaseStopsSteps(t *testing.T) {
	s := New(fastRetry, nil)
	lease := &fakeLease{free: true, renewErr: errors.New("lease lost")}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var steps atomic.Int32
	s.Add(Loop{Name: "fast_forward", Interval: time.Millisecond, Lease: lease, Step: func(context.Context) error {
		steps.Add(1)
		return nil
	}})
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, int32(1), steps.Load(), "renew fails after the first step and the lease is never free again")
}

// ---------------------------------------------------------------------------
// Memory guard
// ---------------------------------------------------------------------------

func TestMemoryGuard(t *testing.T) {
	var _ searchindex.LoadGuard = (*MemoryGuard)(nil)

	g := NewMemoryGuard(80)
	g.sample = func(context.Context) (float64, error) { return 95, nil }
	err := g.Check(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrOverloaded)
	assert.True(t, apperrors.Retryable(err))

	g.sample = func(context.Context) (float64, error) { return 50, nil }
	assert.NoError(t, g.Check(context.Background()))

	disabled := NewMemoryGuard(0)
	disabled.sample = func(context.Context) (float64, error) { return 100, nil }
	assert.NoError(t, disabled.Check(context.Background()))
}
