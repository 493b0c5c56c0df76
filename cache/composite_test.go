package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompositeSimple(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewComposite(NewInMemory(ctx), NewInMemory(ctx))
	assert.NoError(t, c.Close())
}

func TestCompositePanicOnEmpty(t *testing.T) {
	assert.Panics(t, func() {
		NewComposite()
	})
}

func TestCompositeGetOrder(t *testing.T) {
	ctx := context.Background()
	l1 := NewInMemory(ctx)
	l2 := NewInMemory(ctx)
	c := NewComposite(l1, l2)
	defer c.Close()

	require.NoError(t, l1.Set(ctx, "key", []byte("from-l1"), time.Minute))
	require.NoError(t, l2.Set(ctx, "key", []byte("from-l2"), time.Minute))

	val, found, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("from-l1"), val)

	// l1 miss falls through to l2
	require.NoError(t, l2.Set(ctx, "only-l2", []byte("deep"), time.Minute))
	val, found, err = c.Get(ctx, "only-l2")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("deep"), val)
}

func TestCompositeSetDeleteClearAll(t *testing.T) {
	ctx := context.Background()
	l1 := NewInMemory(ctx)
	l2 := NewInMemory(ctx)
	c := NewComposite(l1, l2)
	defer c.Close()

	assert.NoError(t, c.Set(ctx, "key", []byte("shared"), time.Minute))
	for _, layer := range []Cache{l1, l2} {
		val, found, err := layer.Get(ctx, "key")
		assert.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("shared"), val)
	}

	found, err := c.Delete(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
	found, err = c.Delete(ctx, "nonexistent")
	assert.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, c.Set(ctx, "again", []byte("v"), time.Minute))
	assert.NoError(t, c.Clear(ctx))
	for _, layer := range []Cache{l1, l2} {
		_, found, err := layer.Get(ctx, "again")
		assert.NoError(t, err)
		assert.False(t, found)
	}
}

func TestCompositeFailingTier(t *testing.T) {
	ctx := context.Background()
	l1 := NewInMemory(ctx)
	broken := &errorCache{err: unavailable(fmt.Errorf("connection refused"), "get")}
	c := NewComposite(l1, broken)
	defer c.Close()

	// the miss in l1 plus the error in l2 surfaces the error
	_, found, err := c.Get(ctx, "key")
	assert.False(t, found)
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	// Set still lands in the healthy tier and reports the failure
	err = c.Set(ctx, "key", []byte("v"), time.Minute)
	assert.ErrorIs(t, err, ErrBackendWriteFailed)
	val, found, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), val)
}

func TestRedisComposite(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)

	l1 := NewInMemory(ctx)
	l2 := NewRedis(ctx, client, WithPrefix("composite"))
	c := NewComposite(l1, l2)
	defer c.Close()

	require.NoError(t, l2.Set(ctx, "key", []byte("redis-value"), time.Minute))

	val, found, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("redis-value"), val)

	val, found, err = c.Get(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
}
