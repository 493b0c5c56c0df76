package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// clearBatch is the SCAN page size and DEL batch size used by Clear.
const clearBatch = 500

type redisCache struct {
	client *redis.Client
	ctx    context.Context
	cfg    config
}

var _ Cache = (*redisCache)(nil)

// NewRedis returns a new Cache backed by Redis.
// The caller owns the redis.Client; Close does not close it.
func NewRedis(ctx context.Context, client *redis.Client, opts ...Option) Cache {
	cfg := applyOptions(opts)
	return &redisCache{
		client: client,
		ctx:    ctx,
		cfg:    cfg,
	}
}

func (c *redisCache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = c.ctx
	}
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	data, err := c.client.Get(qctx, c.cfg.prefixKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err, "redis get %q", key)
	}
	return data, true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.defaultExpires
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if err := c.client.Set(qctx, c.cfg.prefixKey(key), val, ttl).Err(); err != nil {
		return writeFailed(unavailable(err, "redis set"), "redis set %q", key)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) (bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	result, err := c.client.Del(qctx, c.cfg.prefixKey(key)).Result()
	if err != nil {
		return false, unavailable(err, "redis del %q", key)
	}
	return result > 0, nil
}

// Clear deletes every key under the configured prefix. Without a prefix the
// whole database is flushed. The key set is collected with a complete SCAN
// before anything is deleted, since deleting while the cursor is open can
// make the scan skip keys. Keys are then removed in batches, so a failure
// part way through leaves the remaining keys in place; the returned error
// reports how many keys were removed before it.
func (c *redisCache) Clear(ctx context.Context) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if c.cfg.prefix == "" {
		if err := c.client.FlushDB(qctx).Err(); err != nil {
			return writeFailed(unavailable(err, "redis flushdb"), "redis clear")
		}
		return nil
	}
	var keys []string
	iter := c.client.Scan(qctx, 0, c.cfg.prefix+":*", clearBatch).Iterator()
	for iter.Next(qctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return c.partialClear(err, 0)
	}
	var removed int64
	for start := 0; start < len(keys); start += clearBatch {
		end := min(start+clearBatch, len(keys))
		n, err := c.client.Del(qctx, keys[start:end]...).Result()
		if err != nil {
			return c.partialClear(err, removed)
		}
		removed += n
	}
	return nil
}

func (c *redisCache) partialClear(err error, removed int64) error {
	return writeFailed(unavailable(err, "redis clear"),
		"redis clear of prefix %q incomplete after removing %d keys", c.cfg.prefix, removed)
}

// Close is a no-op; the caller owns the redis.Client.
func (c *redisCache) Close() error {
	return nil
}
