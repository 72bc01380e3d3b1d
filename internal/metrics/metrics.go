// Package metrics exports router activity to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/TheMichaelB/habitsync/internal/models"
	"github.com/TheMichaelB/habitsync/internal/router"
)

const namespace = "habitsync"

var breakerStates = []models.BreakerState{
	models.BreakerClosed,
	models.BreakerOpen,
	models.BreakerHalfOpen,
}

var healthStates = []models.HealthStatus{
	models.HealthHealthy,
	models.HealthDegraded,
	models.HealthDown,
	models.HealthUnknown,
}

// Recorder implements router.Metrics with Prometheus collectors.
type Recorder struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	breaker  *prometheus.GaugeVec
	health   *prometheus.GaugeVec
	cache    *prometheus.CounterVec
}

var _ router.Metrics = (*Recorder)(nil)

// NewRecorder creates a Recorder with its own registry, so several can
// coexist in one process.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Storage requests by endpoint, operation and outcome.",
		}, []string{"endpoint", "op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "request_duration_seconds",
			Help:      "Latency of storage requests per endpoint.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"endpoint", "op"}),
		breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "breaker_state",
			Help:      "1 for the current circuit breaker state of each endpoint.",
		}, []string{"endpoint", "state"}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "endpoint_health",
			Help:      "1 for the current health status of each endpoint.",
		}, []string{"endpoint", "status"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by operation and result (hit, miss, stale).",
		}, []string{"op", "result"}),
	}

	r.registry.MustRegister(r.requests, r.latency, r.breaker, r.health, r.cache)
	return r
}

// Registry exposes the underlying registry for HTTP exposition.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest implements router.Metrics.
func (r *Recorder) ObserveRequest(endpoint string, op router.Op, outcome string, latency time.Duration) {
	r.requests.WithLabelValues(endpoint, string(op), outcome).Inc()
	r.latency.WithLabelValues(endpoint, string(op)).Observe(latency.Seconds())
}

// SetBreakerState implements router.Metrics.
func (r *Recorder) SetBreakerState(endpoint string, state models.BreakerState) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.breaker.WithLabelValues(endpoint, string(s)).Set(v)
	}
}

// SetHealth implements router.Metrics.
func (r *Recorder) SetHealth(endpoint string, status models.HealthStatus) {
	for _, s := range healthStates {
		v := 0.0
		if s == status {
			v = 1
		}
		r.health.WithLabelValues(endpoint, string(s)).Set(v)
	}
}

// CacheHit implements router.Metrics.
func (r *Recorder) CacheHit(op router.Op) {
	r.cache.WithLabelValues(string(op), "hit").Inc()
}

// CacheMiss implements router.Metrics.
func (r *Recorder) CacheMiss(op router.Op) {
	r.cache.WithLabelValues(string(op), "miss").Inc()
}

// CacheStale implements router.Metrics.
func (r *Recorder) CacheStale(op router.Op) {
	r.cache.WithLabelValues(string(op), "stale").Inc()
}
