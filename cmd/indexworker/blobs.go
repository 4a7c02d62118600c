package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/blobstore"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/blobstore/minio"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/blobstore/s3"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/resilience"
)

// openBlobStore builds the configured segment store. Remote stores are
// wrapped in a circuit breaker whose state is exported as a gauge.
func openBlobStore(ctx context.Context, cfg config.BlobStoreConfig, m *metrics.Metrics) (blobstore.Store, error) {
	var remote blobstore.Store
	switch cfg.Kind {
	case "", "memory":
		return blobstore.NewMemoryStore(), nil
	case "local":
		store, err := blobstore.NewLocalStore(cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("opening local blob store: %w", err)
		}
		return store, nil
	case "minio":
		store, err := minio.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("opening minio blob store: %w", err)
		}
		remote = store
	case "s3":
		store, err := s3.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("opening s3 blob store: %w", err)
		}
		remote = store
	default:
		return nil, fmt.Errorf("unknown blob store kind %q", cfg.Kind)
	}

	name := "blobstore-" + cfg.Kind
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(resilience.StateClosed))
	return blobstore.NewBreaker(remote, name, resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerFailures,
		ResetTimeout:     cfg.BreakerReset,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("blob store circuit breaker changed state", "name", name, "from", from.String(), "to", to.String())
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	}), nil
}
