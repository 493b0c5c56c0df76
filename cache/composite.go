package cache

import (
	"context"
	"time"
)

type compositeCache struct {
	caches []Cache
}

var _ Cache = (*compositeCache)(nil)

// NewComposite returns a Cache that chains multiple caches together.
// Get checks caches in order and returns the first hit; a failing tier is
// skipped so a healthy later tier can still answer. Set, Delete and Clear
// go to every cache and return the first error.
// At least one cache must be provided; panics if empty.
func NewComposite(caches ...Cache) Cache {
	if len(caches) == 0 {
		panic("cache: NewComposite requires at least one cache")
	}
	return &compositeCache{caches: caches}
}

func (c *compositeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var firstErr error
	for _, cache := range c.caches {
		val, found, err := cache.Get(ctx, key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if found {
			return val, true, nil
		}
	}
	return nil, false, firstErr
}

func (c *compositeCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	var firstErr error
	for _, cache := range c.caches {
		if err := cache.Set(ctx, key, val, ttl); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *compositeCache) Delete(ctx context.Context, key string) (bool, error) {
	anyFound := false
	var firstErr error
	for _, cache := range c.caches {
		found, err := cache.Delete(ctx, key)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if found {
			anyFound = true
		}
	}
	return anyFound, firstErr
}

func (c *compositeCache) Clear(ctx context.Context) error {
	var firstErr error
	for _, cache := range c.caches {
		if err := cache.Clear(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *compositeCache) Close() error {
	var firstErr error
	for _, cache := range c.caches {
		if err := cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
