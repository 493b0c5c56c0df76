package respcache

import (
	"context"

	"github.com/agentuity/respcache/cache"
	"github.com/agentuity/respcache/config"
	"github.com/agentuity/respcache/logger"
)

// Configure builds the Middleware described by settings. With caching
// disabled no backend is constructed. Invalid backend settings are returned
// as cache.ErrConfigurationInvalid and should stop the process.
func Configure(ctx context.Context, settings config.Settings, log logger.Logger, opts ...Option) (*Middleware, error) {
	opts = append([]Option{WithLogger(log)}, opts...)
	if !settings.EnableCache {
		log.Info("response caching is disabled")
		return Disabled(opts...), nil
	}
	store, err := cache.Open(ctx, settings.BackendConfig(), log.WithPrefix("[cache]"))
	if err != nil {
		return nil, err
	}
	log.Info("response caching enabled with the %s backend", settings.CacheBackend)
	return New(store, opts...), nil
}
