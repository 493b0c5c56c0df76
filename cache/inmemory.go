package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value   []byte
	expires time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.expires)
}

type inMemoryCache struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cache     map[string]*entry
	mutex     sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
	now       func() time.Time
}

var _ Cache = (*inMemoryCache)(nil)

func (c *inMemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := c.now()
	c.mutex.Lock()
	e, ok := c.cache[key]
	if ok && e.expired(now) {
		delete(c.cache, key)
		ok = false
	}
	c.mutex.Unlock()
	if !ok {
		return nil, false, nil
	}
	return clone(e.value), true, nil
}

func (c *inMemoryCache) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.defaultExpires
	}
	e := &entry{value: clone(val), expires: c.now().Add(ttl)}
	c.mutex.Lock()
	c.cache[key] = e
	c.mutex.Unlock()
	return nil
}

func (c *inMemoryCache) Delete(_ context.Context, key string) (bool, error) {
	c.mutex.Lock()
	_, ok := c.cache[key]
	if ok {
		delete(c.cache, key)
	}
	c.mutex.Unlock()
	return ok, nil
}

func (c *inMemoryCache) Clear(_ context.Context) error {
	c.mutex.Lock()
	c.cache = make(map[string]*entry)
	c.mutex.Unlock()
	return nil
}

func (c *inMemoryCache) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
	})
	return nil
}

// Len returns the number of stored entries, including expired ones that
// have not been swept yet.
func (c *inMemoryCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.cache)
}

func (c *inMemoryCache) sweep() {
	now := c.now()
	c.mutex.Lock()
	for key, e := range c.cache {
		if e.expired(now) {
			delete(c.cache, key)
		}
	}
	c.mutex.Unlock()
}

func (c *inMemoryCache) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// NewInMemory returns a new in-memory Cache implementation. Expired entries
// are removed when read and by a background sweep every WithExpiryCheck
// interval; the sweep stops when parent is cancelled or Close is called.
func NewInMemory(parent context.Context, opts ...Option) Cache {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	c := &inMemoryCache{
		ctx:    ctx,
		cancel: cancel,
		cache:  make(map[string]*entry),
		cfg:    cfg,
		now:    time.Now,
	}
	c.waitGroup.Add(1)
	go c.run()
	return c
}
