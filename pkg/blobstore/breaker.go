package blobstore

import (
	"context"
	"errors"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/resilience"
)

// Breaker wraps a remote Store with a circuit breaker. Not-found answers are
// healthy responses and never trip it.
type Breaker struct {
	inner Store
	cb    *resilience.CircuitBreaker
}

func NewBreaker(inner Store, name string, cfg resilience.CircuitBreakerConfig) *Breaker {
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, ErrNotFound) }
	return &Breaker{inner: inner, cb: resilience.NewCircuitBreaker(name, cfg)}
}

func (b *Breaker) State() resilience.State { return b.cb.GetState() }

func (b *Breaker) Put(ctx context.Context, key string, data []byte) error {
	return b.cb.ExecuteContext(ctx, func(ctx context.Context) error {
		return b.inner.Put(ctx, key, data)
	})
}

func (b *Breaker) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.cb.ExecuteContext(ctx, func(ctx context.Context) error {
		var err error
		data, err = b.inner.Get(ctx, key)
		return err
	})
	return data, err
}

func (b *Breaker) Delete(ctx context.Context, key string) error {
	return b.cb.ExecuteContext(ctx, func(ctx context.Context) error {
		return b.inner.Delete(ctx, key)
	})
}

func (b *Breaker) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.cb.ExecuteContext(ctx, func(ctx context.Context) error {
		var err error
		keys, err = b.inner.List(ctx, prefix)
		return err
	})
	return keys, err
}
