package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecCacheMiss(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx)
	defer c.Close()

	invoked := false
	found, val, err := Exec(ctx, CacheConfig{Key: "key", Expires: time.Minute}, c, func(ctx context.Context) (string, bool, error) {
		invoked = true
		return "fresh-value", true, nil
	})
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "fresh-value", val)
	assert.True(t, invoked)

	// Value should now be cached.
	cachedFound, cached, err := GetValue[string](ctx, c, "key")
	assert.NoError(t, err)
	assert.True(t, cachedFound)
	assert.Equal(t, "fresh-value", cached)
}

func TestExecCacheHit(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx)
	defer c.Close()

	require.NoError(t, SetValue(ctx, c, "key", "cached-value", time.Minute))

	invoked := false
	found, val, err := Exec(ctx, CacheConfig{Key: "key"}, c, func(ctx context.Context) (string, bool, error) {
		invoked = true
		return "fresh-value", true, nil
	})
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "cached-value", val)
	assert.False(t, invoked)
}

func TestExecInvokerError(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx)
	defer c.Close()

	expectedErr := fmt.Errorf("invoke failed")
	found, val, err := Exec(ctx, CacheConfig{Key: "key", Expires: time.Minute}, c, func(ctx context.Context) (string, bool, error) {
		return "partial", true, expectedErr
	})
	assert.ErrorIs(t, err, expectedErr)
	assert.False(t, found)
	assert.Equal(t, "", val)

	// A failed computation is never cached.
	_, ok, getErr := c.Get(ctx, "key")
	assert.NoError(t, getErr)
	assert.False(t, ok)
}

func TestExecInvokerNotFound(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx)
	defer c.Close()

	found, val, err := Exec(ctx, CacheConfig{Key: "key"}, c, func(ctx context.Context) (string, bool, error) {
		return "", false, nil
	})
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "", val)

	_, ok, cacheErr := c.Get(ctx, "key")
	assert.NoError(t, cacheErr)
	assert.False(t, ok)
}

func TestExecCustomExpires(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx, WithExpiryCheck(time.Hour))
	defer c.Close()

	found, val, err := Exec(ctx, CacheConfig{Key: "key", Expires: 20 * time.Millisecond}, c, func(ctx context.Context) (string, bool, error) {
		return "ephemeral", true, nil
	})
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "ephemeral", val)

	cachedFound, cached, err := GetValue[string](ctx, c, "key")
	assert.NoError(t, err)
	assert.True(t, cachedFound)
	assert.Equal(t, "ephemeral", cached)

	time.Sleep(30 * time.Millisecond)
	cachedFound, _, err = GetValue[string](ctx, c, "key")
	assert.NoError(t, err)
	assert.False(t, cachedFound)
}

func TestExecInvokerCalledOnce(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx)
	defer c.Close()

	type Item struct {
		Name  string `msgpack:"name"`
		Count int    `msgpack:"count"`
	}

	callCount := 0
	invoker := func(ctx context.Context) (Item, bool, error) {
		callCount++
		return Item{Name: "widget", Count: callCount}, true, nil
	}
	cfg := CacheConfig{Key: "once", Expires: time.Minute}

	found, val, err := Exec(ctx, cfg, c, invoker)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, Item{Name: "widget", Count: 1}, val)

	found, val, err = Exec(ctx, cfg, c, invoker)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, Item{Name: "widget", Count: 1}, val)
	assert.Equal(t, 1, callCount)
}

func TestExecCacheReadErrorDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	c := &errorCache{err: unavailable(fmt.Errorf("connection refused"), "get")}

	var reported []string
	cfg := CacheConfig{Key: "key", OnError: func(op string, err error) {
		reported = append(reported, op)
		assert.True(t, IsUnavailable(err))
	}}
	invoked := false
	found, val, err := Exec(ctx, cfg, c, func(ctx context.Context) (string, bool, error) {
		invoked = true
		return "value", true, nil
	})
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value", val)
	assert.True(t, invoked)
	assert.Equal(t, []string{"get", "set"}, reported)
}

func TestExecUndecodableEntry(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx)
	defer c.Close()
	require.NoError(t, c.Set(ctx, "key", []byte{0xc1}, time.Minute))

	var reported []string
	cfg := CacheConfig{Key: "key", OnError: func(op string, err error) { reported = append(reported, op) }}
	found, val, err := Exec(ctx, cfg, c, func(ctx context.Context) (int, bool, error) {
		return 7, true, nil
	})
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 7, val)
	assert.Equal(t, []string{"decode"}, reported)

	ok, cached, err := GetValue[int](ctx, c, "key")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, cached)
}

// errorCache is a test double that fails every operation.
type errorCache struct {
	err error
}

func (e *errorCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, e.err }
func (e *errorCache) Set(context.Context, string, []byte, time.Duration) error {
	return writeFailed(e.err, "set")
}
func (e *errorCache) Delete(context.Context, string) (bool, error) { return false, e.err }
func (e *errorCache) Clear(context.Context) error                  { return e.err }
func (e *errorCache) Close() error                                 { return nil }

func TestExecNotFoundThenFound(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx)
	defer c.Close()

	callCount := 0
	invoker := func(ctx context.Context) (string, bool, error) {
		callCount++
		if callCount == 1 {
			return "", false, nil
		}
		return "appeared", true, nil
	}

	found, _, err := Exec(ctx, CacheConfig{Key: "key"}, c, invoker)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, callCount)

	found, val, err := Exec(ctx, CacheConfig{Key: "key"}, c, invoker)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "appeared", val)
	assert.Equal(t, 2, callCount)

	found, val, err = Exec(ctx, CacheConfig{Key: "key"}, c, invoker)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "appeared", val)
	assert.Equal(t, 2, callCount)
}
