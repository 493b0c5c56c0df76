package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Cache is a byte-oriented key/value store with per-entry expiry.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the value stored under key. Expired entries are reported as
	// not found. Backend failures are returned as an error wrapping
	// ErrBackendUnavailable and are never reported as a plain miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores val under key, replacing any existing entry. If ttl <= 0,
	// the cache's configured default TTL is used.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// Delete removes a single key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Clear removes every entry owned by this cache.
	Clear(ctx context.Context) error
	// Close releases background goroutines and connections.
	Close() error
}

// DefaultExpires is the TTL used when Set is called with a non-positive ttl.
const DefaultExpires = 5 * time.Minute

// DefaultQueryTimeout is the per-operation timeout for cache backends that
// perform I/O (SQLite, memcached, Redis).
const DefaultQueryTimeout = 5 * time.Second

// DefaultMaxIdleConns is the idle connection pool size kept per networked
// server.
const DefaultMaxIdleConns = 16

// config holds the resolved configuration for a cache implementation.
type config struct {
	defaultExpires time.Duration
	queryTimeout   time.Duration
	expiryCheck    time.Duration
	prefix         string
	maxIdleConns   int
}

// Option configures a Cache implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultExpires: DefaultExpires,
		queryTimeout:   DefaultQueryTimeout,
		expiryCheck:    time.Minute,
		maxIdleConns:   DefaultMaxIdleConns,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.defaultExpires <= 0 {
		cfg.defaultExpires = DefaultExpires
	}
	if cfg.queryTimeout <= 0 {
		cfg.queryTimeout = DefaultQueryTimeout
	}
	if cfg.expiryCheck <= 0 {
		cfg.expiryCheck = time.Minute
	}
	if cfg.maxIdleConns <= 0 {
		cfg.maxIdleConns = DefaultMaxIdleConns
	}
	return cfg
}

// WithExpires sets the default TTL for cached values. This is used when
// Set is called with ttl <= 0. Defaults to DefaultExpires (5 minutes).
func WithExpires(d time.Duration) Option {
	return func(c *config) { c.defaultExpires = d }
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed caches.
// Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithExpiryCheck sets the interval for background expired entry cleanup.
// Applies to the in-memory and SQLite backends. Defaults to 1 minute.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// WithMaxIdleConns sets how many idle connections a networked backend keeps
// open per server.
func WithMaxIdleConns(n int) Option {
	return func(c *config) { c.maxIdleConns = n }
}

// WithPrefix sets the key prefix for namespacing cache keys.
// Applies to the memcached and Redis backends. Defaults to no prefix.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

func (c config) prefixKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

// CacheConfig configures the Exec helper.
type CacheConfig struct {
	// Expires is the TTL for cached values. The cache default is used if zero.
	Expires time.Duration
	// Key is the cache key. Required.
	Key string
	// OnError, if set, is called when the lookup or the write-back fails.
	// op is "get", "decode" or "set". Such failures never fail Exec.
	OnError func(op string, err error)
}

func (c CacheConfig) report(op string, err error) {
	if c.OnError != nil {
		c.OnError(op, err)
	}
}

// Invoker is a function that produces a value of type T.
// The bool return indicates whether a value was found. Return false to signal
// "not found" without caching a zero value.
type Invoker[T any] func(ctx context.Context) (T, bool, error)

// GetValue retrieves and msgpack-decodes a typed value.
func GetValue[T any](ctx context.Context, c Cache, key string) (bool, T, error) {
	var result T
	data, found, err := c.Get(ctx, key)
	if !found || err != nil {
		return false, result, err
	}
	if err := msgpack.Unmarshal(data, &result); err != nil {
		var zero T
		return false, zero, errors.Wrap(err, "cache: failed to unmarshal value")
	}
	return true, result, nil
}

// SetValue msgpack-encodes val and stores it under key.
func SetValue[T any](ctx context.Context, c Cache, key string, val T, ttl time.Duration) error {
	data, err := msgpack.Marshal(val)
	if err != nil {
		return errors.Wrap(err, "cache: failed to marshal value")
	}
	return c.Set(ctx, key, data, ttl)
}

// Exec is a cache-aside helper. It checks the cache for config.Key first and
// returns the cached value on a hit. On a miss it calls invoke; when invoke
// returns found=true the value is stored and returned.
//
// Cache failures degrade: a lookup error or an undecodable entry is treated
// as a miss, and a failed write-back still returns the fresh value. Both are
// reported through config.OnError. Invoker errors are returned and nothing
// is cached.
func Exec[T any](ctx context.Context, config CacheConfig, c Cache, invoke Invoker[T]) (bool, T, error) {
	var zero T
	data, found, err := c.Get(ctx, config.Key)
	if err != nil {
		config.report("get", err)
	} else if found {
		var val T
		err := msgpack.Unmarshal(data, &val)
		if err == nil {
			return true, val, nil
		}
		config.report("decode", err)
	}

	result, ok, err := invoke(ctx)
	if err != nil {
		return false, zero, err
	}
	if !ok {
		return false, zero, nil
	}

	if err := SetValue(ctx, c, config.Key, result, config.Expires); err != nil {
		config.report("set", err)
	}
	return true, result, nil
}
