package cache

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/agentuity/respcache/logger"
	"github.com/redis/go-redis/v9"
)

// Kind names a backend implementation.
type Kind string

const (
	KindMemory    Kind = "memory"
	KindNetworked Kind = "networked"
	KindMemcached Kind = "memcached"
	KindRedis     Kind = "redis"
	KindSQLite    Kind = "sqlite"
)

// Kinds lists every accepted backend name.
var Kinds = []Kind{KindMemory, KindNetworked, KindMemcached, KindRedis, KindSQLite}

// ParseKind validates a backend name. "networked" is accepted as an alias
// for memcached.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindNetworked:
		return KindMemcached, nil
	case KindMemory, KindMemcached, KindRedis, KindSQLite:
		return k, nil
	}
	return "", invalidConfig("unknown cache backend %q", s)
}

// Networked reports whether the backend lives outside the process.
func (k Kind) Networked() bool {
	return k == KindMemcached || k == KindNetworked || k == KindRedis
}

// BackendConfig selects and parameterizes the backend built by Open.
type BackendConfig struct {
	Kind         Kind
	Host         string
	Port         int
	RedisDB      int
	SQLitePath   string
	Prefix       string
	QueryTimeout time.Duration
	ExpiryCheck  time.Duration
	MaxIdleConns int
	// LocalTier puts an in-memory cache in front of a networked backend.
	LocalTier bool
	// Breaker wraps networked backends in a circuit breaker.
	Breaker bool
}

// Addr is the host:port of a networked backend.
func (c BackendConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c BackendConfig) options() []Option {
	return []Option{
		WithPrefix(c.Prefix),
		WithQueryTimeout(c.QueryTimeout),
		WithExpiryCheck(c.ExpiryCheck),
		WithMaxIdleConns(c.MaxIdleConns),
	}
}

// closingCache closes an owned client after the cache itself.
type closingCache struct {
	Cache
	closer io.Closer
}

func (c *closingCache) Close() error {
	err := c.Cache.Close()
	if cerr := c.closer.Close(); err == nil {
		err = cerr
	}
	return err
}

// Open builds the backend described by cfg. Networked backends are not
// required to be reachable at startup: a failed ping is logged and requests
// degrade to cache misses until the backend comes back.
func Open(ctx context.Context, cfg BackendConfig, log logger.Logger) (Cache, error) {
	kind, err := ParseKind(string(cfg.Kind))
	if err != nil {
		return nil, err
	}
	if kind.Networked() {
		if cfg.Host == "" || cfg.Port <= 0 || cfg.Port > 65535 {
			return nil, invalidConfig("invalid %s address %q", kind, cfg.Addr())
		}
	}

	var c Cache
	switch kind {
	case KindMemory:
		c = NewInMemory(ctx, cfg.options()...)
		log.Debug("using in-memory cache")
		return c, nil
	case KindSQLite:
		c, err = NewSQLite(ctx, cfg.SQLitePath, cfg.options()...)
		if err != nil {
			return nil, err
		}
		log.Debug("using sqlite cache at %s", cfg.SQLitePath)
		return c, nil
	case KindMemcached:
		mc := NewMemcached(ctx, []string{cfg.Addr()}, cfg.options()...)
		if err := mc.(*memcachedCache).Ping(ctx); err != nil {
			log.Warn("memcached at %s is not reachable yet: %s", cfg.Addr(), err)
		}
		c = mc
	case KindRedis:
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Addr(),
			DB:           cfg.RedisDB,
			DialTimeout:  cfg.QueryTimeout,
			ReadTimeout:  cfg.QueryTimeout,
			WriteTimeout: cfg.QueryTimeout,
			MaxIdleConns: cfg.MaxIdleConns,
		})
		pctx, cancel := context.WithTimeout(ctx, queryTimeoutOrDefault(cfg.QueryTimeout))
		if err := client.Ping(pctx).Err(); err != nil {
			log.Warn("redis at %s is not reachable yet: %s", cfg.Addr(), err)
		}
		cancel()
		c = &closingCache{Cache: NewRedis(ctx, client, cfg.options()...), closer: client}
	}
	log.Debug("using %s cache at %s", kind, cfg.Addr())

	if cfg.Breaker {
		c = NewGuarded(c, DefaultBreaker())
	}
	if cfg.LocalTier {
		c = NewComposite(NewInMemory(ctx, cfg.options()...), c)
	}
	return c, nil
}

func queryTimeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultQueryTimeout
	}
	return d
}
