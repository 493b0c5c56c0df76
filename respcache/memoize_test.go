package respcache

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID   string
	Name string
}

func TestMemoize(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	m := newMemoryMiddleware(t, WithMetrics(metrics))
	calls := 0
	lookup := Memoize(m, "lookup", time.Minute, func(ctx context.Context, params url.Values) (item, error) {
		calls++
		return item{ID: params.Get("id"), Name: "widget"}, nil
	})

	ctx := context.Background()
	v, err := lookup(ctx, url.Values{"id": {"1"}})
	require.NoError(t, err)
	assert.Equal(t, item{ID: "1", Name: "widget"}, v)

	v, err = lookup(ctx, url.Values{"id": {"1"}})
	require.NoError(t, err)
	assert.Equal(t, item{ID: "1", Name: "widget"}, v)
	assert.Equal(t, 1, calls)

	v, err = lookup(ctx, url.Values{"id": {"2"}})
	require.NoError(t, err)
	assert.Equal(t, "2", v.ID)
	assert.Equal(t, 2, calls)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("lookup", ResultHit)))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.requests.WithLabelValues("lookup", ResultMiss)))

	cleared, err := m.InvalidateAll(ctx)
	require.NoError(t, err)
	assert.True(t, cleared)
	_, err = lookup(ctx, url.Values{"id": {"1"}})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestMemoizeErrorsNotCached(t *testing.T) {
	m := newMemoryMiddleware(t)
	calls := 0
	failure := errors.New("upstream down")
	fn := Memoize(m, "flaky", time.Minute, func(ctx context.Context, params url.Values) (int, error) {
		calls++
		if calls == 1 {
			return 0, failure
		}
		return 42, nil
	})

	_, err := fn(context.Background(), nil)
	assert.ErrorIs(t, err, failure)
	v, err := fn(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 2, calls)
}

func TestMemoizeUnreachableBackend(t *testing.T) {
	m := New(brokenStore{})
	calls := 0
	fn := Memoize(m, "count", time.Minute, func(ctx context.Context, params url.Values) (int, error) {
		calls++
		return calls, nil
	})
	for i := 1; i <= 2; i++ {
		v, err := fn(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestMemoizeInvalidNameRunsUncached(t *testing.T) {
	m := newMemoryMiddleware(t)
	calls := 0
	fn := Memoize(m, "bad name", time.Minute, func(ctx context.Context, params url.Values) (int, error) {
		calls++
		return calls, nil
	})
	fn(context.Background(), nil)
	fn(context.Background(), nil)
	assert.Equal(t, 2, calls)
}

func TestMemoizeDisabled(t *testing.T) {
	calls := 0
	fn := Memoize(Disabled(), "lookup", time.Minute, func(ctx context.Context, params url.Values) (int, error) {
		calls++
		return calls, nil
	})
	a, _ := fn(context.Background(), nil)
	b, _ := fn(context.Background(), nil)
	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}
