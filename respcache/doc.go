// Package respcache memoizes HTTP handler responses and function results in
// a cache.Cache.
//
// A single *Middleware is built at startup, usually with Configure, and
// handed to route registration:
//
//	m, err := respcache.Configure(ctx, settings, log)
//	...
//	r.With(m.Wrap(10 * time.Second)).Get("/custom/{item_id}", handler)
//
// Only 2xx responses to GET and HEAD are stored. A lookup that fails because
// the backend is down is treated as a miss, so a cache outage never turns
// into an error response. Concurrent misses for the same key share one
// handler execution. Every response carries a Cache-Status header (RFC 9211)
// describing what happened.
package respcache
