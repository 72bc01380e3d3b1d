package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/habitsync/internal/models"
)

func TestBreakerStateMachine(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newBreaker("primary", 3, 30*time.Second)

	assert.True(t, b.admit(t0))
	assert.False(t, b.failure(t0))
	assert.False(t, b.failure(t0))
	assert.Equal(t, models.BreakerClosed, b.state)

	assert.True(t, b.failure(t0.Add(time.Second)), "third failure opens")
	assert.Equal(t, models.BreakerOpen, b.state)
	assert.False(t, b.admit(t0.Add(10*time.Second)))

	// Cooldown elapsed: exactly one probe.
	probeAt := t0.Add(31 * time.Second)
	assert.True(t, b.admit(probeAt))
	assert.Equal(t, models.BreakerHalfOpen, b.state)
	assert.False(t, b.admit(probeAt), "second probe rejected while first in flight")

	// Probe fails: open again with a fresh failure time.
	assert.True(t, b.failure(probeAt))
	assert.Equal(t, probeAt, b.lastFailure)
	assert.False(t, b.admit(probeAt.Add(29*time.Second)))

	// Next probe succeeds.
	assert.True(t, b.admit(probeAt.Add(30*time.Second)))
	b.success()
	assert.Equal(t, models.BreakerClosed, b.state)
	assert.Zero(t, b.failures)
}

func TestBreakerReleaseFreesProbe(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newBreaker("primary", 1, time.Second)

	b.failure(t0)
	assert.True(t, b.admit(t0.Add(time.Second)))
	assert.False(t, b.admit(t0.Add(time.Second)))

	b.release()
	assert.True(t, b.admit(t0.Add(time.Second)))
	assert.Equal(t, models.BreakerHalfOpen, b.snapshot().State)
}
