package cache

import (
	"context"
	"math"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/cockroachdb/errors"
)

// maxRelativeExpiration is the largest expiration memcached treats as a
// relative number of seconds. Larger values are read as unix timestamps.
const maxRelativeExpiration = 30 * 24 * time.Hour

type memcachedCache struct {
	client *memcache.Client
	ctx    context.Context
	cfg    config
	now    func() time.Time
}

var _ Cache = (*memcachedCache)(nil)

// NewMemcached returns a Cache backed by one or more memcached servers.
// Every call is bounded by the query timeout, and is abandoned early when
// ctx is cancelled.
func NewMemcached(ctx context.Context, addrs []string, opts ...Option) Cache {
	cfg := applyOptions(opts)
	client := memcache.New(addrs...)
	client.Timeout = cfg.queryTimeout
	client.MaxIdleConns = cfg.maxIdleConns
	return &memcachedCache{
		client: client,
		ctx:    ctx,
		cfg:    cfg,
		now:    time.Now,
	}
}

// do runs fn on a separate goroutine so the caller can stop waiting when ctx
// ends. The memcached client has no context support; an abandoned call still
// finishes within the client timeout.
func (c *memcachedCache) do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = c.ctx
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// expiration converts ttl to memcached's expiration field.
func (c *memcachedCache) expiration(ttl time.Duration) int32 {
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		secs = 1
	}
	if ttl > maxRelativeExpiration {
		secs = c.now().Add(ttl).Unix()
	}
	if secs > math.MaxInt32 {
		secs = math.MaxInt32
	}
	return int32(secs)
}

func (c *memcachedCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var item *memcache.Item
	err := c.do(ctx, func() error {
		var err error
		item, err = c.client.Get(c.cfg.prefixKey(key))
		return err
	})
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if errors.Is(err, memcache.ErrMalformedKey) {
		return nil, false, errors.Wrapf(err, "memcached get %q", key)
	}
	if err != nil {
		return nil, false, unavailable(err, "memcached get %q", key)
	}
	return item.Value, true, nil
}

func (c *memcachedCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.defaultExpires
	}
	item := &memcache.Item{
		Key:        c.cfg.prefixKey(key),
		Value:      val,
		Expiration: c.expiration(ttl),
	}
	err := c.do(ctx, func() error { return c.client.Set(item) })
	if err == nil {
		return nil
	}
	if errors.Is(err, memcache.ErrMalformedKey) || errors.Is(err, memcache.ErrNotStored) {
		return writeFailed(err, "memcached set %q", key)
	}
	return writeFailed(unavailable(err, "memcached set"), "memcached set %q", key)
}

func (c *memcachedCache) Delete(ctx context.Context, key string) (bool, error) {
	err := c.do(ctx, func() error { return c.client.Delete(c.cfg.prefixKey(key)) })
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(err, "memcached delete %q", key)
	}
	return true, nil
}

// Clear flushes every configured server. memcached cannot enumerate keys, so
// this also removes entries written by other clients sharing the servers.
// The client stops at the first server that fails; servers before it have
// already been flushed.
func (c *memcachedCache) Clear(ctx context.Context) error {
	if err := c.do(ctx, c.client.FlushAll); err != nil {
		return writeFailed(unavailable(err, "memcached flush_all"), "memcached clear")
	}
	return nil
}

func (c *memcachedCache) Close() error {
	return nil
}

// Ping checks that every server answers.
func (c *memcachedCache) Ping(ctx context.Context) error {
	return unavailable(c.do(ctx, c.client.Ping), "memcached ping")
}
