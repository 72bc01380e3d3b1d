package models

import "time"

// HealthStatus is the rolling health of one endpoint.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
	HealthUnknown  HealthStatus = "unknown"
)

// Rank orders statuses for candidate selection: lower is preferred.
func (s HealthStatus) Rank() int {
	switch s {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	case HealthUnknown:
		return 2
	default:
		return 3
	}
}

// BreakerState is the circuit breaker position of one endpoint.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// EndpointHealth is the observed health of a configured endpoint.
type EndpointHealth struct {
	EndpointName    string        `json:"endpoint_name"`
	Priority        int           `json:"priority"`
	Status          HealthStatus  `json:"status"`
	LastCheckedAt   time.Time     `json:"last_checked_at"`
	ObservedLatency time.Duration `json:"observed_latency"`
}

// ObservedLatencyMs returns the latency in milliseconds.
func (h EndpointHealth) ObservedLatencyMs() int64 {
	return h.ObservedLatency.Milliseconds()
}

// BreakerSnapshot is a point-in-time copy of a circuit breaker.
type BreakerSnapshot struct {
	EndpointName        string       `json:"endpoint_name"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailureAt       time.Time    `json:"last_failure_at"`
	State               BreakerState `json:"state"`
}

// CacheStats summarizes router cache activity.
type CacheStats struct {
	Entries     int   `json:"entries"`
	MaxEntries  int   `json:"max_entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	StaleServed int64 `json:"stale_served"`
	Evictions   int64 `json:"evictions"`
}

// RouterStatus is the aggregate health polled by the sync-status UI.
type RouterStatus struct {
	Overall     HealthStatus      `json:"overall"`
	PerEndpoint []EndpointHealth  `json:"per_endpoint"`
	Breakers    []BreakerSnapshot `json:"breakers"`
	Cache       CacheStats        `json:"cache_stats"`
}
