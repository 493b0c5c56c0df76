package respcache

import (
	"context"
	"net/url"
	"time"

	"github.com/agentuity/respcache/cache"
)

// Func is a computation keyed by its parameters.
type Func[T any] func(ctx context.Context, params url.Values) (T, error)

// Memoize caches successful results of fn for ttl, keyed by name and params.
// Errors are returned and never cached. When caching is disabled fn itself
// is returned.
func Memoize[T any](m *Middleware, name string, ttl time.Duration, fn Func[T]) Func[T] {
	if !m.Enabled() {
		return fn
	}
	return func(ctx context.Context, params url.Values) (T, error) {
		key, err := m.keyer.FuncKey(name, params)
		if err != nil {
			m.metrics.request(name, ResultBypass)
			return fn(ctx, params)
		}
		hit := true
		_, val, err := cache.Exec(ctx, cache.CacheConfig{
			Key:     key,
			Expires: ttl,
			OnError: func(op string, err error) { m.backendError(ctx, op, key, err) },
		}, m.store, func(ctx context.Context) (T, bool, error) {
			hit = false
			v, err := fn(ctx, params)
			return v, err == nil, err
		})
		if hit {
			m.metrics.request(name, ResultHit)
		} else {
			m.metrics.request(name, ResultMiss)
		}
		return val, err
	}
}
