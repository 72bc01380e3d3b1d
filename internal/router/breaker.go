package router

import (
	"time"

	"github.com/TheMichaelB/habitsync/internal/models"
)

// breaker is one endpoint's circuit breaker. It is not safe for concurrent
// use; the router serializes access under its mutex.
type breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	state       models.BreakerState
	failures    int
	lastFailure time.Time
	probing     bool
}

func newBreaker(name string, threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     models.BreakerClosed,
	}
}

// refresh moves an open breaker to half_open once the cooldown since the
// last failure has elapsed.
func (b *breaker) refresh(now time.Time) {
	if b.state == models.BreakerOpen && now.Sub(b.lastFailure) >= b.cooldown {
		b.state = models.BreakerHalfOpen
		b.probing = false
	}
}

// available reports whether a request could be admitted now.
func (b *breaker) available(now time.Time) bool {
	b.refresh(now)
	switch b.state {
	case models.BreakerOpen:
		return false
	case models.BreakerHalfOpen:
		return !b.probing
	default:
		return true
	}
}

// admit claims permission for one request. In half_open only a single
// probe is admitted until it reports back.
func (b *breaker) admit(now time.Time) bool {
	if !b.available(now) {
		return false
	}
	if b.state == models.BreakerHalfOpen {
		b.probing = true
	}
	return true
}

// success closes the breaker and clears the failure count.
func (b *breaker) success() {
	b.state = models.BreakerClosed
	b.failures = 0
	b.probing = false
}

// failure records a failed request. It reports whether the breaker is open
// afterwards.
func (b *breaker) failure(now time.Time) bool {
	b.failures++
	b.lastFailure = now
	b.probing = false

	switch b.state {
	case models.BreakerHalfOpen:
		b.state = models.BreakerOpen
	case models.BreakerClosed:
		if b.failures >= b.threshold {
			b.state = models.BreakerOpen
		}
	}
	return b.state == models.BreakerOpen
}

// release returns an unused half_open probe slot, e.g. after the caller
// cancelled.
func (b *breaker) release() {
	b.probing = false
}

func (b *breaker) snapshot() models.BreakerSnapshot {
	return models.BreakerSnapshot{
		EndpointName:        b.name,
		ConsecutiveFailures: b.failures,
		LastFailureAt:       b.lastFailure,
		State:               b.state,
	}
}
