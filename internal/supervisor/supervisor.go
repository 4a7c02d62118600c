// Package supervisor runs the index workers as independent loops. Each loop
// calls its step, sleeps for its interval, and backs off on retryable
// failures. A non-retryable failure stops every loop.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/resilience"
)

// StepFunc is one unit of worker progress.
type StepFunc func(ctx context.Context) error

// Lease keeps a worker on one process at a time. *redis.Lease satisfies it.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// Loop describes one worker.
type Loop struct {
	Name     string
	Interval time.Duration
	Step     StepFunc
	// Lease is optional. Without one the loop always runs.
	Lease Lease
}

type Supervisor struct {
	retry   config.RetryConfig
	metrics *metrics.Metrics
	loops   []Loop
	logger  *slog.Logger
}

func New(retry config.RetryConfig, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		retry:   retry,
		metrics: m,
		logger:  logger.WithComponent("supervisor"),
	}
}

func (s *Supervisor) Add(l Loop) {
	if l.Interval <= 0 {
		l.Interval = time.Second
	}
	s.loops = append(s.loops, l)
}

// Run blocks until ctx is done or a loop fails. It returns nil on a clean
// shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range s.loops {
		g.Go(func() error { return s.run(gctx, l) })
	}
	s.logger.Info("workers started", "count", len(s.loops))
	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (s *Supervisor) run(ctx context.Context, l Loop) error {
	log := s.logger.With("worker", l.Name)
	ctx = logger.WithWorker(ctx, l.Name)
	backoff := resilience.NewBackoff(s.retry.InitialDelay, s.retry.MaxDelay)
	held := l.Lease == nil
	defer func() {
		if l.Lease != nil && held {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := l.Lease.Release(releaseCtx); err != nil {
				log.Warn("releasing lease failed", "error", err)
			}
			s.setLease(l.Name, false)
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if l.Lease != nil {
			var err error
			held, err = s.holdLease(ctx, l, held)
			if err != nil {
				log.Warn("lease check failed", "error", err)
			}
			if !held {
				if !sleep(ctx, l.Interval) {
					return nil
				}
				continue
			}
		}

		start := time.Now()
		err := resilience.WithTimeout(ctx, s.retry.StepTimeout, l.Name, l.Step)
		if s.metrics != nil {
			s.metrics.WorkerStepDuration.WithLabelValues(l.Name).Observe(time.Since(start).Seconds())
		}
		if err == nil {
			backoff.Reset()
			if !sleep(ctx, l.Interval) {
				return nil
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if s.metrics != nil {
			s.metrics.WorkerErrorsTotal.WithLabelValues(l.Name, apperrors.Class(err)).Inc()
		}
		if !apperrors.Retryable(err) {
			log.Error("worker failed", "error", err)
			return fmt.Errorf("worker %s: %w", l.Name, err)
		}
		delay := backoff.Fail()
		log.Warn("worker step failed, backing off", "error", err, "failures", backoff.Failures(), "delay", delay)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// holdLease renews a held lease or tries to take a free one, and reports
// whether this process holds it afterwards.
func (s *Supervisor) holdLease(ctx context.Context, l Loop, held bool) (bool, error) {
	if held {
		if err := l.Lease.Renew(ctx); err != nil {
			s.setLease(l.Name, false)
			s.logger.Warn("worker lease lost", "worker", l.Name, "error", err)
			return false, nil
		}
		return true, nil
	}
	ok, err := l.Lease.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		s.setLease(l.Name, true)
		s.logger.Info("worker lease acquired", "worker", l.Name)
	}
	return ok, nil
}

func (s *Supervisor) setLease(name string, held bool) {
	if s.metrics == nil {
		return
	}
	v := 0.0
	if held {
		v = 1
	}
	s.metrics.LeaseHeld.WithLabelValues(name).Set(v)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
