// Package server exposes the demo endpoints whose responses are cached by
// respcache.
package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/agentuity/respcache/logger"
	"github.com/agentuity/respcache/respcache"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultTTL is how long /cache and /custom responses are kept.
	DefaultTTL = 10 * time.Second
	// DefaultWorkDelay simulates an expensive computation.
	DefaultWorkDelay = 2 * time.Second

	requestIDHeader = "X-Request-Id"
)

// Config holds the dependencies of the HTTP surface.
type Config struct {
	Cache     *respcache.Middleware
	Logger    logger.Logger
	WorkDelay time.Duration
	TTL       time.Duration
	// Gatherer backs /metrics. When nil the endpoint is not registered.
	Gatherer prometheus.Gatherer
	// Now defaults to time.Now and is used for response timestamps.
	Now func() time.Time
}

type server struct {
	cache *respcache.Middleware
	log   logger.Logger
	delay time.Duration
	now   func() time.Time
	// item computes /custom payloads. Response keys include the method, so
	// memoizing the payload lets GET and HEAD share one computation.
	items respcache.Func[item]
}

type item struct {
	Message   string  `msgpack:"m"`
	Timestamp float64 `msgpack:"t"`
}

// New returns the routed handler.
func New(cfg Config) http.Handler {
	if cfg.Cache == nil {
		cfg.Cache = respcache.Disabled()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewConsoleLogger(logger.LevelNone)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.WorkDelay < 0 {
		cfg.WorkDelay = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &server{cache: cfg.Cache, log: cfg.Logger, delay: cfg.WorkDelay, now: cfg.Now}
	s.items = respcache.Memoize(cfg.Cache, "custom_item", cfg.TTL, s.loadItem)

	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Get("/nocache", s.noCache)
	r.Head("/nocache", s.noCache)
	cached := r.With(s.cache.Wrap(cfg.TTL))
	cached.Get("/cache", s.cached)
	cached.Head("/cache", s.cached)
	custom := r.With(validItemID, s.cache.Wrap(cfg.TTL))
	custom.Get("/custom/{item_id}", s.custom)
	custom.Head("/custom/{item_id}", s.custom)
	r.Get("/clear-cache", s.clearCache)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return otelhttp.NewHandler(r, "respcache")
}

type message struct {
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func (s *server) timestamp() float64 {
	return float64(s.now().UnixNano()) / float64(time.Second)
}

// work blocks for the configured delay or until the request goes away.
func (s *server) work(ctx context.Context) bool {
	if s.delay <= 0 {
		return true
	}
	t := time.NewTimer(s.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *server) noCache(w http.ResponseWriter, r *http.Request) {
	if !s.work(r.Context()) {
		return
	}
	writeJSON(w, http.StatusOK, message{Message: "No cache applied", Timestamp: s.timestamp()})
}

func (s *server) cached(w http.ResponseWriter, r *http.Request) {
	if !s.work(r.Context()) {
		return
	}
	writeJSON(w, http.StatusOK, message{Message: "Cached response", Timestamp: s.timestamp()})
}

func (s *server) loadItem(ctx context.Context, params url.Values) (item, error) {
	if !s.work(ctx) {
		return item{}, ctx.Err()
	}
	return item{
		Message:   "Cached data for item " + params.Get("item_id"),
		Timestamp: s.timestamp(),
	}, nil
}

func (s *server) custom(w http.ResponseWriter, r *http.Request) {
	id, _ := parseItemID(chi.URLParam(r, "item_id"))
	it, err := s.items(r.Context(), url.Values{"item_id": {id.String()}})
	if err != nil {
		return
	}
	writeJSON(w, http.StatusOK, message{Message: it.Message, Timestamp: it.Timestamp})
}

func (s *server) clearCache(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.cache.InvalidateAll(r.Context())
	switch {
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, message{Message: "Cache clear failed", Error: err.Error()})
	case cleared:
		writeJSON(w, http.StatusOK, message{Message: "Cache cleared"})
	default:
		writeJSON(w, http.StatusOK, message{Message: "Cache is disabled, nothing to clear"})
	}
}

type validationError struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// parseItemID accepts decimal integers of any width.
func parseItemID(s string) (*big.Int, bool) {
	return new(big.Int).SetString(s, 10)
}

// validItemID rejects non-integer item ids before they reach the cache.
func validItemID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := parseItemID(chi.URLParam(r, "item_id")); !ok {
			writeJSON(w, http.StatusUnprocessableEntity, map[string][]validationError{
				"detail": {{
					Loc:  []string{"path", "item_id"},
					Msg:  "value is not a valid integer",
					Type: "type_error.integer",
				}},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// requestLogger tags every request with an id and logs its outcome.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)
		log := s.log.WithContext(r.Context()).With(map[string]interface{}{"request_id": id})
		log.Debug("%s %s %d %s [%s]", r.Method, r.URL.RequestURI(), sw.status, time.Since(start), sw.Header().Get("Cache-Status"))
	})
}
