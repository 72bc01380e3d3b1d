// Package router spreads storage requests across redundant providers with
// per-endpoint circuit breakers, health tracking and a response cache.
package router

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
	"github.com/TheMichaelB/habitsync/internal/storage"
)

// Op is a storage operation routed to a provider.
type Op string

const (
	OpUpload   Op = "upload"
	OpDownload Op = "download"
	OpList     Op = "list"
	OpDelete   Op = "delete"
	OpQuota    Op = "quota"
)

func (o Op) read() bool {
	return o == OpDownload || o == OpList || o == OpQuota
}

// Policy decides whether the cache is consulted before the network.
type Policy int

const (
	// NetworkFirst tries endpoints first and falls back to stale cache.
	NetworkFirst Policy = iota
	// CacheFirst answers from a fresh cache entry when one exists.
	CacheFirst
)

// Endpoint is one configured provider.
type Endpoint struct {
	Name     string
	Priority int
	Enabled  bool
	Provider storage.Provider
}

// Config holds everything the router needs. Zero durations take defaults.
type Config struct {
	Endpoints        []Endpoint
	FailureThreshold int
	Cooldown         time.Duration
	HealthInterval   time.Duration
	RequestTimeout   time.Duration
	DegradedLatency  time.Duration
	Cache            CacheConfig
	Clock            Clock
	Metrics          Metrics
}

// Defaults.
const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 30 * time.Second
	DefaultHealthInterval   = time.Minute
	DefaultRequestTimeout   = 30 * time.Second
	DefaultDegradedLatency  = 2 * time.Second
	DefaultCacheEntries     = 256
	DefaultCacheTTL         = 5 * time.Minute
	DefaultMaxStale         = 24 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.DegradedLatency <= 0 {
		c.DegradedLatency = DefaultDegradedLatency
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = DefaultCacheEntries
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = DefaultCacheTTL
	}
	if c.Cache.MaxStale <= 0 {
		c.Cache.MaxStale = DefaultMaxStale
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	return c
}

func (c Config) validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("%w: no endpoints configured", models.ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("%w: endpoint without name", models.ErrInvalidConfig)
		}
		if seen[ep.Name] {
			return fmt.Errorf("%w: duplicate endpoint %q", models.ErrInvalidConfig, ep.Name)
		}
		seen[ep.Name] = true
		if ep.Provider == nil {
			return fmt.Errorf("%w: endpoint %q has no provider", models.ErrInvalidConfig, ep.Name)
		}
	}
	return nil
}

// Request is one routed operation. Scope partitions the cache per user and
// device.
type Request struct {
	Op          Op
	Path        string
	Blob        *models.EncryptedBlob
	ContentType string
	Policy      Policy
	Scope       string
}

// Result carries whichever payload the operation produces.
type Result struct {
	Blob      *models.EncryptedBlob
	Files     []models.FileMetadata
	Quota     *models.Quota
	Metadata  *models.FileMetadata
	Endpoint  string
	FromCache bool
	Stale     bool
}

func (r *Result) served(fromCache, stale bool) *Result {
	out := *r
	out.FromCache = fromCache
	out.Stale = stale
	return &out
}

type endpointState struct {
	Endpoint
	order   int
	health  models.EndpointHealth
	breaker *breaker
}

// Router dispatches requests to the best available endpoint.
type Router struct {
	logger *events.Logger
	cache  *cache

	mu        sync.Mutex
	cfg       Config
	endpoints []*endpointState

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New builds a router. Endpoints start with unknown health and closed
// breakers.
func New(cfg Config, logger *events.Logger) (*Router, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c, err := newCache(cfg.Cache, cfg.Clock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}
	r := &Router{
		logger: logger.WithField("component", "router"),
		cache:  c,
	}
	r.install(cfg)
	return r, nil
}

// install replaces the endpoint table. Caller must hold no locks.
func (r *Router) install(cfg Config) {
	states := make([]*endpointState, 0, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		states = append(states, &endpointState{
			Endpoint: ep,
			order:    i,
			health: models.EndpointHealth{
				EndpointName: ep.Name,
				Priority:     ep.Priority,
				Status:       models.HealthUnknown,
			},
			breaker: newBreaker(ep.Name, cfg.FailureThreshold, cfg.Cooldown),
		})
	}

	r.mu.Lock()
	r.cfg = cfg
	r.endpoints = states
	r.mu.Unlock()

	for _, s := range states {
		cfg.Metrics.SetBreakerState(s.Name, models.BreakerClosed)
		cfg.Metrics.SetHealth(s.Name, models.HealthUnknown)
	}
}

// Reload swaps in a new endpoint configuration, resetting health and
// breakers. Cached entries survive.
func (r *Router) Reload(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}
	r.cache.reconfigure(cfg.Cache)
	r.install(cfg)
	r.logger.WithField("endpoints", len(cfg.Endpoints)).Info("Router configuration reloaded")
	return nil
}

// PurgeCache drops every cached response.
func (r *Router) PurgeCache() {
	r.cache.purge()
}

// Do runs req against the endpoints in preference order.
func (r *Router) Do(ctx context.Context, req Request) (*Result, error) {
	if err := normalize(&req); err != nil {
		return nil, err
	}
	if events.GetRequestID(ctx) == "" {
		ctx = events.WithRequestID(ctx, uuid.NewString())
	}
	logger := r.requestLogger(ctx)

	r.mu.Lock()
	metrics := r.cfg.Metrics
	r.mu.Unlock()

	key := cacheKey(req.Scope, req.Op, req.Path)
	if req.Op.read() && req.Policy == CacheFirst {
		if hit, ok := r.cache.fresh(key); ok {
			metrics.CacheHit(req.Op)
			return hit.served(true, false), nil
		}
		metrics.CacheMiss(req.Op)
	}

	var (
		attempts []string
		lastErr  error
	)
	for _, ep := range r.candidates() {
		if !r.admit(ep) {
			continue
		}

		res, latency, err := r.attempt(ctx, ep, req)
		switch {
		case err == nil:
			r.recordSuccess(ep, req.Op, latency)
			res.Endpoint = ep.Name
			r.remember(key, req, res)
			return res, nil

		case ctx.Err() != nil:
			r.release(ep)
			return nil, err

		case models.IsTerminal(err):
			r.recordAnswered(ep, req.Op, latency)
			if errors.Is(err, models.ErrNotFound) && req.Op == OpDownload {
				r.cache.remove(key)
			}
			return nil, err
		}

		r.recordFailure(logger, ep, req.Op, latency, err)
		attempts = append(attempts, ep.Name)
		lastErr = err
	}

	if req.Op.read() {
		if hit, ok := r.cache.stale(key); ok {
			metrics.CacheStale(req.Op)
			logger.WithFields(map[string]interface{}{
				"op":   string(req.Op),
				"path": req.Path,
			}).Warn("All endpoints failed, serving stale cache")
			return hit.served(true, true), nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no endpoint available", models.ErrNetworkUnavailable)
	}
	return nil, &models.AggregateError{Attempts: attempts, Last: lastErr}
}

// requestLogger tags router log lines with the request and device carried
// by ctx.
func (r *Router) requestLogger(ctx context.Context) *events.Logger {
	fields := map[string]interface{}{"request_id": events.GetRequestID(ctx)}
	if id := events.GetDeviceID(ctx); id != "" {
		fields["device_id"] = id
	}
	return r.logger.WithFields(fields)
}

func normalize(req *Request) error {
	switch req.Op {
	case OpUpload:
		if req.Blob == nil {
			return fmt.Errorf("%w: upload without blob", models.ErrInvalidFormat)
		}
		fallthrough
	case OpDownload, OpDelete:
		p, err := storage.SanitizePath(req.Path, false)
		if err != nil {
			return err
		}
		req.Path = p
	case OpList:
		p, err := storage.SanitizeDir(req.Path, false)
		if err != nil {
			return err
		}
		req.Path = p
	case OpQuota:
		req.Path = ""
	default:
		return fmt.Errorf("%w: unknown operation %q", models.ErrInvalidFormat, req.Op)
	}
	return nil
}

func cacheKey(scope string, op Op, p string) string {
	return scope + "|" + string(op) + "|" + p
}

func parentDir(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

// remember updates the cache after a successful request.
func (r *Router) remember(key string, req Request, res *Result) {
	switch req.Op {
	case OpDownload, OpList, OpQuota:
		r.cache.put(key, req.ContentType, res)
	case OpUpload:
		r.cache.put(cacheKey(req.Scope, OpDownload, req.Path), req.ContentType, &Result{
			Blob:     req.Blob.Clone(),
			Endpoint: res.Endpoint,
		})
		r.cache.remove(
			cacheKey(req.Scope, OpList, parentDir(req.Path)),
			cacheKey(req.Scope, OpQuota, ""),
		)
	case OpDelete:
		r.cache.remove(
			cacheKey(req.Scope, OpDownload, req.Path),
			cacheKey(req.Scope, OpList, parentDir(req.Path)),
			cacheKey(req.Scope, OpQuota, ""),
		)
	}
}

// candidates returns enabled endpoints whose breaker admits traffic, best
// first.
func (r *Router) candidates() []*endpointState {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.cfg.Clock.Now()
	out := make([]*endpointState, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		if !ep.Enabled {
			continue
		}
		before := ep.breaker.state
		ok := ep.breaker.available(now)
		r.noteBreakerLocked(ep, before)
		if ok {
			out = append(out, ep)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := a.health.Status.Rank(), b.health.Status.Rank(); ra != rb {
			return ra < rb
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.order < b.order
	})
	return out
}

func (r *Router) admit(ep *endpointState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := ep.breaker.state
	ok := ep.breaker.admit(r.cfg.Clock.Now())
	r.noteBreakerLocked(ep, before)
	return ok
}

func (r *Router) release(ep *endpointState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep.breaker.release()
}

// attempt runs one provider call under the per-endpoint timeout.
func (r *Router) attempt(ctx context.Context, ep *endpointState, req Request) (*Result, time.Duration, error) {
	r.mu.Lock()
	timeout := r.cfg.RequestTimeout
	clock := r.cfg.Clock
	r.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := clock.Now()
	res, err := call(actx, ep.Provider, req)
	latency := clock.Now().Sub(start)

	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, models.ErrTimeout) {
		err = &models.ProviderError{
			Provider: ep.Name,
			Op:       string(req.Op),
			Path:     req.Path,
			Kind:     models.ErrTimeout,
			Err:      err,
		}
	}
	return res, latency, err
}

func call(ctx context.Context, p storage.Provider, req Request) (*Result, error) {
	switch req.Op {
	case OpUpload:
		meta, err := p.UploadFile(ctx, req.Path, req.Blob)
		if err != nil {
			return nil, err
		}
		return &Result{Metadata: meta}, nil
	case OpDownload:
		blob, err := p.DownloadFile(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		return &Result{Blob: blob}, nil
	case OpList:
		files, err := p.ListFiles(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		return &Result{Files: files}, nil
	case OpDelete:
		if err := p.DeleteFile(ctx, req.Path); err != nil {
			return nil, err
		}
		return &Result{}, nil
	default:
		q, err := p.GetStorageQuota(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Quota: q}, nil
	}
}

func (r *Router) latencyStatus(latency time.Duration) models.HealthStatus {
	if latency > r.cfg.DegradedLatency {
		return models.HealthDegraded
	}
	return models.HealthHealthy
}

func (r *Router) recordSuccess(ep *endpointState, op Op, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := ep.breaker.state
	ep.breaker.success()
	r.noteBreakerLocked(ep, before)
	r.setHealthLocked(ep, r.latencyStatus(latency), latency)
	r.cfg.Metrics.ObserveRequest(ep.Name, op, OutcomeSuccess, latency)
}

// recordAnswered handles terminal errors: the endpoint responded, so it
// counts as reachable.
func (r *Router) recordAnswered(ep *endpointState, op Op, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := ep.breaker.state
	ep.breaker.success()
	r.noteBreakerLocked(ep, before)
	r.setHealthLocked(ep, r.latencyStatus(latency), latency)
	r.cfg.Metrics.ObserveRequest(ep.Name, op, OutcomeRejected, latency)
}

func (r *Router) recordFailure(logger *events.Logger, ep *endpointState, op Op, latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := ep.breaker.state
	open := ep.breaker.failure(r.cfg.Clock.Now())
	r.noteBreakerLocked(ep, before)

	// Below the threshold the endpoint keeps its rank so the breaker sees
	// consecutive failures; only an opened breaker demotes it.
	if open {
		r.setHealthLocked(ep, models.HealthDown, latency)
	} else {
		ep.health.LastCheckedAt = r.cfg.Clock.Now()
		ep.health.ObservedLatency = latency
	}
	r.cfg.Metrics.ObserveRequest(ep.Name, op, OutcomeFailure, latency)

	logger.WithFields(map[string]interface{}{
		"endpoint": ep.Name,
		"op":       string(op),
		"failures": ep.breaker.failures,
	}).WithError(err).Warn("Endpoint request failed")
}

func (r *Router) setHealthLocked(ep *endpointState, status models.HealthStatus, latency time.Duration) {
	ep.health.Status = status
	ep.health.LastCheckedAt = r.cfg.Clock.Now()
	ep.health.ObservedLatency = latency
	r.cfg.Metrics.SetHealth(ep.Name, status)
}

// noteBreakerLocked reports a breaker transition.
func (r *Router) noteBreakerLocked(ep *endpointState, before models.BreakerState) {
	after := ep.breaker.state
	if after == before {
		return
	}
	r.cfg.Metrics.SetBreakerState(ep.Name, after)
	entry := r.logger.WithFields(map[string]interface{}{
		"endpoint": ep.Name,
		"from":     string(before),
		"to":       string(after),
	})
	if after == models.BreakerOpen {
		entry.Warn("Circuit breaker opened")
	} else {
		entry.Info("Circuit breaker state changed")
	}
}

// Status summarizes endpoint health, breakers and cache.
func (r *Router) Status() models.RouterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.cfg.Clock.Now()
	status := models.RouterStatus{
		PerEndpoint: make([]models.EndpointHealth, 0, len(r.endpoints)),
		Breakers:    make([]models.BreakerSnapshot, 0, len(r.endpoints)),
	}

	usable, allGood := 0, true
	for _, ep := range r.endpoints {
		before := ep.breaker.state
		ep.breaker.refresh(now)
		r.noteBreakerLocked(ep, before)

		status.PerEndpoint = append(status.PerEndpoint, ep.health)
		status.Breakers = append(status.Breakers, ep.breaker.snapshot())
		if !ep.Enabled {
			continue
		}
		switch {
		case ep.breaker.state == models.BreakerOpen || ep.health.Status == models.HealthDown:
			allGood = false
		case ep.health.Status == models.HealthDegraded || ep.breaker.failures > 0:
			usable++
			allGood = false
		default:
			usable++
		}
	}

	switch {
	case usable == 0:
		status.Overall = models.HealthDown
	case allGood:
		status.Overall = models.HealthHealthy
	default:
		status.Overall = models.HealthDegraded
	}
	status.Cache = r.cache.snapshot()
	return status
}
