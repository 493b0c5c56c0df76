package respcache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agentuity/respcache/cache"
	"github.com/agentuity/respcache/logger"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/agentuity/respcache/respcache"

// Middleware memoizes handler responses in a cache.Cache. Create one at
// startup with New, Disabled or Configure and pass it to route registration.
type Middleware struct {
	store   cache.Cache
	keyer   Keyer
	log     logger.Logger
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time
	flights singleflight.Group
	once    sync.Once
	closeFn func() error
}

// Option customizes a Middleware.
type Option func(*Middleware)

// WithLogger sets the logger used for backend failures.
func WithLogger(log logger.Logger) Option {
	return func(m *Middleware) { m.log = log }
}

// WithMetrics records request outcomes in metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Middleware) { m.metrics = metrics }
}

// WithTracer overrides the global otel tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Middleware) { m.tracer = tracer }
}

// WithClock overrides time.Now for Age and StoredAt.
func WithClock(now func() time.Time) Option {
	return func(m *Middleware) { m.now = now }
}

func newMiddleware(store cache.Cache, opts []Option) *Middleware {
	m := &Middleware{
		store:  store,
		log:    logger.NewConsoleLogger(logger.LevelNone),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if store != nil {
		m.closeFn = store.Close
	}
	return m
}

// New returns an enabled Middleware backed by store. The Middleware owns
// store and closes it in Close.
func New(store cache.Cache, opts ...Option) *Middleware {
	if store == nil {
		panic("respcache: New requires a store")
	}
	return newMiddleware(store, opts)
}

// Disabled returns a Middleware whose decorators are the identity.
func Disabled(opts ...Option) *Middleware {
	return newMiddleware(nil, opts)
}

// Enabled reports whether responses are cached.
func (m *Middleware) Enabled() bool {
	return m != nil && m.store != nil
}

// Wrap returns a decorator caching 2xx GET and HEAD responses for ttl. When
// caching is disabled the decorator returns the handler unchanged.
func (m *Middleware) Wrap(ttl time.Duration) func(http.Handler) http.Handler {
	if !m.Enabled() {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return &cachedHandler{m: m, next: next, ttl: ttl}
	}
}

// WrapFunc decorates a single handler function.
func (m *Middleware) WrapFunc(h http.HandlerFunc, ttl time.Duration) http.Handler {
	return m.Wrap(ttl)(h)
}

// InvalidateAll evicts every cached response. It reports false with a nil
// error when caching is disabled, since there is nothing to clear.
func (m *Middleware) InvalidateAll(ctx context.Context) (bool, error) {
	if !m.Enabled() {
		return false, nil
	}
	if err := m.store.Clear(ctx); err != nil {
		m.metrics.backendError("clear")
		m.log.WithContext(ctx).Error("cache clear failed: %s", err)
		return true, err
	}
	m.log.WithContext(ctx).Info("cache cleared")
	return true, nil
}

// Close releases the backend. It is safe to call more than once.
func (m *Middleware) Close() error {
	if m == nil {
		return nil
	}
	var err error
	m.once.Do(func() {
		if m.closeFn != nil {
			err = m.closeFn()
		}
	})
	return err
}

func (m *Middleware) backendError(ctx context.Context, op, key string, err error) {
	m.metrics.backendError(op)
	m.log.WithContext(ctx).Warn("cache %s failed for %s: %s", op, key, err)
}

// lookup returns the stored response for key. Backend and decode failures
// are logged and reported as a miss with failed set.
func (m *Middleware) lookup(ctx context.Context, key string) (resp *storedResponse, failed bool) {
	ctx, span := m.tracer.Start(ctx, "respcache.lookup", trace.WithAttributes(attribute.String("respcache.key", key)))
	defer span.End()

	buf, found, err := m.store.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		m.backendError(ctx, "get", key, err)
		return nil, true
	}
	span.SetAttributes(attribute.Bool("respcache.hit", found))
	if !found {
		return nil, false
	}
	resp, err = decodeResponse(buf)
	if err != nil {
		span.RecordError(err)
		m.backendError(ctx, "decode", key, err)
		return nil, true
	}
	return resp, false
}

// save stores resp under key and reports whether it was stored.
func (m *Middleware) save(ctx context.Context, key string, resp *storedResponse, ttl time.Duration) bool {
	ctx, span := m.tracer.Start(ctx, "respcache.store", trace.WithAttributes(
		attribute.String("respcache.key", key),
		attribute.Int("respcache.bytes", len(resp.Body)),
	))
	defer span.End()

	buf, err := resp.encode()
	if err == nil {
		err = m.store.Set(ctx, key, buf, ttl)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		m.backendError(ctx, "set", key, err)
		return false
	}
	return true
}

type cachedHandler struct {
	m    *Middleware
	next http.Handler
	ttl  time.Duration
}

// flight is the outcome of one handler execution shared by coalesced requests.
type flight struct {
	resp   *storedResponse
	stored bool
}

type handlerPanic struct {
	value interface{}
}

func (p *handlerPanic) Error() string {
	return fmt.Sprintf("handler panic: %v", p.value)
}

func (h *cachedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m := h.m
	route := RouteIdentity(r)
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.bypass(w, r, route, statusMethod)
		return
	}
	cc := parseCacheControl(r.Header)
	noCache, noStore := cc.has("no-cache"), cc.has("no-store")
	if noCache && noStore {
		h.bypass(w, r, route, statusBypass)
		return
	}
	key, err := m.keyer.RequestKey(r)
	if err != nil {
		m.log.WithContext(r.Context()).Debug("bypassing cache for %s: %s", r.URL.Path, err)
		h.bypass(w, r, route, statusBypass)
		return
	}

	if noCache {
		// revalidation requested: skip the lookup and refresh the entry
		m.metrics.request(route, ResultMiss)
		res, err := h.fill(r, route, key)
		if p, ok := err.(*handlerPanic); ok {
			panic(p.value)
		}
		if err != nil {
			return
		}
		h.replay(w, r, res.(*flight), statusRequest, statusRequestStored)
		return
	}

	resp, failed := m.lookup(r.Context(), key)
	if resp != nil {
		m.metrics.request(route, ResultHit)
		now := m.now()
		resp.writeTo(w, r, statusHit, resp.age(now), resp.remaining(now))
		return
	}
	if failed {
		m.metrics.request(route, ResultError)
	} else {
		m.metrics.request(route, ResultMiss)
	}
	if noStore {
		w.Header().Set(cacheStatusHeader, statusMiss)
		h.next.ServeHTTP(w, r)
		return
	}

	var leader bool
	ch := m.flights.DoChan(key, func() (interface{}, error) {
		leader = true
		return h.fill(r, route, key)
	})
	select {
	case res := <-ch:
		if leader {
			if p, ok := res.Err.(*handlerPanic); ok {
				panic(p.value)
			}
			if res.Err != nil {
				return
			}
			h.replay(w, r, res.Val.(*flight), statusMiss, statusStored)
			return
		}
		if res.Err == nil {
			if f := res.Val.(*flight); f.resp.cacheable() {
				h.replay(w, r, f, statusCollapsed, statusCollapsed)
				return
			}
		}
		// the shared computation failed; compute this response on our own
		w.Header().Set(cacheStatusHeader, statusMiss)
		h.next.ServeHTTP(w, r)
	case <-r.Context().Done():
	}
}

func (h *cachedHandler) bypass(w http.ResponseWriter, r *http.Request, route, status string) {
	h.m.metrics.request(route, ResultBypass)
	w.Header().Set(cacheStatusHeader, status)
	h.next.ServeHTTP(w, r)
}

// replay writes a freshly computed response. max-age is only advertised
// when the response made it into the cache.
func (h *cachedHandler) replay(w http.ResponseWriter, r *http.Request, f *flight, status, storedStatus string) {
	maxAge := int64(-1)
	if f.stored {
		status = storedStatus
		maxAge = f.resp.remaining(h.m.now())
	}
	f.resp.writeTo(w, r, status, -1, maxAge)
}

// fill runs the handler into a buffer and stores 2xx responses.
func (h *cachedHandler) fill(r *http.Request, route, key string) (result interface{}, err error) {
	m := h.m
	rec := newRecorder()
	start := m.now()
	defer func() {
		if v := recover(); v != nil {
			result, err = nil, &handlerPanic{value: v}
		}
	}()
	h.next.ServeHTTP(rec, r)
	m.metrics.handlerTime(route, m.now().Sub(start))
	if err := r.Context().Err(); err != nil {
		return nil, errors.Wrap(err, "request abandoned")
	}

	now := m.now()
	resp := rec.result(now.UnixNano())
	f := &flight{resp: resp}
	if resp.cacheable() {
		resp.tag()
		if h.ttl > 0 {
			resp.ExpiresAt = now.Add(h.ttl).UnixNano()
		}
		f.stored = m.save(r.Context(), key, resp, h.ttl)
	}
	return f, nil
}
