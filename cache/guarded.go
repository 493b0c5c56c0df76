package cache

import (
	"context"
	"time"

	"github.com/agentuity/respcache/resilience"
	"github.com/cockroachdb/errors"
)

type guardedCache struct {
	cache   Cache
	breaker *resilience.CircuitBreaker
}

var _ Cache = (*guardedCache)(nil)

// NewGuarded wraps a networked cache with a circuit breaker. Only
// unavailability counts against the circuit; once it opens, every call fails
// immediately with ErrBackendUnavailable until the breaker lets a probe through.
func NewGuarded(c Cache, breaker *resilience.CircuitBreaker) Cache {
	return &guardedCache{cache: c, breaker: breaker}
}

// DefaultBreaker returns a breaker that only trips on backend unavailability.
func DefaultBreaker() *resilience.CircuitBreaker {
	config := resilience.DefaultCircuitBreakerConfig()
	config.IsFailure = IsUnavailable
	return resilience.NewCircuitBreaker(config)
}

func (g *guardedCache) do(ctx context.Context, op string, fn func(context.Context) error) error {
	err := g.breaker.Execute(ctx, fn)
	if errors.Is(err, resilience.ErrCircuitBreakerOpen) {
		return unavailable(err, "cache %s", op)
	}
	return err
}

func (g *guardedCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	var found bool
	err := g.do(ctx, "get", func(ctx context.Context) error {
		var err error
		val, found, err = g.cache.Get(ctx, key)
		return err
	})
	return val, found, err
}

func (g *guardedCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	err := g.do(ctx, "set", func(ctx context.Context) error {
		return g.cache.Set(ctx, key, val, ttl)
	})
	if errors.Is(err, resilience.ErrCircuitBreakerOpen) {
		return Categorize(err, ErrBackendWriteFailed)
	}
	return err
}

func (g *guardedCache) Delete(ctx context.Context, key string) (bool, error) {
	var found bool
	err := g.do(ctx, "delete", func(ctx context.Context) error {
		var err error
		found, err = g.cache.Delete(ctx, key)
		return err
	})
	return found, err
}

func (g *guardedCache) Clear(ctx context.Context) error {
	err := g.do(ctx, "clear", func(ctx context.Context) error {
		return g.cache.Clear(ctx)
	})
	if errors.Is(err, resilience.ErrCircuitBreakerOpen) {
		return Categorize(err, ErrBackendWriteFailed)
	}
	return err
}

func (g *guardedCache) Close() error {
	return g.cache.Close()
}
