package router

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/habitsync/internal/models"
)

// Start launches the periodic health probe. It is a no-op if already
// running.
func (r *Router) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil {
		return
	}

	r.mu.Lock()
	interval := r.cfg.HealthInterval
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.stopped = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		r.CheckHealth(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CheckHealth(ctx)
			}
		}
	}(r.stopped)

	r.logger.WithField("interval", interval.String()).Debug("Health monitor started")
}

// Stop halts the health probe and waits for it to exit.
func (r *Router) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.stopped
	r.cancel = nil
	r.stopped = nil
}

// CheckHealth probes every enabled endpoint concurrently. No lock is held
// while a probe is in flight.
func (r *Router) CheckHealth(ctx context.Context) {
	r.mu.Lock()
	timeout := r.cfg.RequestTimeout
	clock := r.cfg.Clock
	targets := make([]*endpointState, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		if ep.Enabled {
			targets = append(targets, ep)
		}
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, ep := range targets {
		ep := ep
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := clock.Now()
			ok := ep.Provider.CheckConnection(pctx)
			latency := clock.Now().Sub(start)

			if ctx.Err() != nil {
				return nil
			}
			r.applyProbe(ep, ok, latency)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Router) applyProbe(ep *endpointState, ok bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := false
	for _, s := range r.endpoints {
		if s == ep {
			current = true
			break
		}
	}
	if !current {
		// Replaced by Reload while probing.
		return
	}

	if !ok {
		r.setHealthLocked(ep, models.HealthDown, latency)
		r.logger.WithField("endpoint", ep.Name).Warn("Health probe failed")
		return
	}

	before := ep.breaker.state
	ep.breaker.success()
	r.noteBreakerLocked(ep, before)
	r.setHealthLocked(ep, r.latencyStatus(latency), latency)
}
