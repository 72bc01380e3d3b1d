package router

import (
	"time"

	"github.com/TheMichaelB/habitsync/internal/models"
)

// Request outcomes reported to Metrics.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

// Metrics receives router observations.
type Metrics interface {
	ObserveRequest(endpoint string, op Op, outcome string, latency time.Duration)
	SetBreakerState(endpoint string, state models.BreakerState)
	SetHealth(endpoint string, status models.HealthStatus)
	CacheHit(op Op)
	CacheMiss(op Op)
	CacheStale(op Op)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRequest(string, Op, string, time.Duration) {}
func (nopMetrics) SetBreakerState(string, models.BreakerState) {}
func (nopMetrics) SetHealth(string, models.HealthStatus) {}
func (nopMetrics) CacheHit(Op) {}
func (nopMetrics) CacheMiss(Op) {}
func (nopMetrics) CacheStale(Op) {}
