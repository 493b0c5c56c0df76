package respcache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request results recorded by Metrics.
const (
	ResultHit    = "hit"
	ResultMiss   = "miss"
	ResultBypass = "bypass"
	ResultError  = "error"
)

// Metrics holds the prometheus collectors for cached routes. A nil *Metrics
// records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	backendErrors   *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "respcache_requests_total",
			Help: "Requests through cached routes by outcome",
		}, []string{"route", "result"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "respcache_backend_errors_total",
			Help: "Cache backend failures by operation",
		}, []string{"op"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "respcache_handler_duration_seconds",
			Help:    "Time spent computing responses on a cache miss",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.backendErrors, m.handlerDuration)
	}
	return m
}

func (m *Metrics) request(route, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, result).Inc()
}

func (m *Metrics) backendError(op string) {
	if m == nil {
		return
	}
	m.backendErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) handlerTime(route string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(route).Observe(d.Seconds())
}
