package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/agentuity/respcache/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCache struct {
	Cache
	calls int
}

func (c *countingCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.calls++
	return c.Cache.Get(ctx, key)
}

func newTestBreaker(maxFailures int) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		MaxFailures: maxFailures,
		Timeout:     time.Hour,
		IsFailure:   IsUnavailable,
	})
}

func TestGuardedPassThrough(t *testing.T) {
	ctx := context.Background()
	mem := NewInMemory(ctx)
	c := NewGuarded(mem, newTestBreaker(2))
	defer c.Close()

	require.NoError(t, c.Set(ctx, "key", []byte("v"), time.Minute))
	val, found, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), val)

	found, err = c.Delete(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.NoError(t, c.Clear(ctx))
}

func TestGuardedOpensOnUnavailable(t *testing.T) {
	ctx := context.Background()
	inner := &countingCache{Cache: &errorCache{err: unavailable(fmt.Errorf("connection refused"), "get")}}
	breaker := newTestBreaker(2)
	c := NewGuarded(inner, breaker)

	for i := 0; i < 2; i++ {
		_, _, err := c.Get(ctx, "key")
		assert.ErrorIs(t, err, ErrBackendUnavailable)
	}
	assert.Equal(t, resilience.StateOpen, breaker.State())
	assert.Equal(t, 2, inner.calls)

	// open circuit fails fast without touching the backend
	_, found, err := c.Get(ctx, "key")
	assert.False(t, found)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorIs(t, err, resilience.ErrCircuitBreakerOpen)
	assert.Equal(t, 2, inner.calls)

	err = c.Set(ctx, "key", []byte("v"), time.Minute)
	assert.ErrorIs(t, err, ErrBackendWriteFailed)
	err = c.Clear(ctx)
	assert.ErrorIs(t, err, ErrBackendWriteFailed)
}

func TestGuardedIgnoresOtherErrors(t *testing.T) {
	ctx := context.Background()
	breaker := newTestBreaker(1)
	c := NewGuarded(&errorCache{err: fmt.Errorf("malformed key")}, breaker)

	for i := 0; i < 3; i++ {
		_, _, err := c.Get(ctx, "bad key")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrBackendUnavailable)
	}
	assert.Equal(t, resilience.StateClosed, breaker.State())
}
