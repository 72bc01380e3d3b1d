package router

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/TheMichaelB/habitsync/internal/models"
)

// CacheConfig sizes the response cache.
type CacheConfig struct {
	MaxEntries int
	DefaultTTL time.Duration
	// MaxStale bounds how long past its TTL an entry is kept for
	// last-resort fallback.
	MaxStale time.Duration
	// TTLs overrides DefaultTTL per content type.
	TTLs map[string]time.Duration
}

type cacheEntry struct {
	key      string
	value    *Result
	cachedAt time.Time
	ttl      time.Duration
}

func (e *cacheEntry) fresh(now time.Time) bool {
	return now.Sub(e.cachedAt) <= e.ttl
}

// cache is a bounded LRU of read results.
type cache struct {
	cfg   CacheConfig
	clock Clock

	mu    sync.Mutex
	lru   *lru.Cache
	stats models.CacheStats
}

func newCache(cfg CacheConfig, clock Clock) (*cache, error) {
	l, err := lru.New(cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	return &cache{
		cfg:   cfg,
		clock: clock,
		lru:   l,
		stats: models.CacheStats{MaxEntries: cfg.MaxEntries},
	}, nil
}

func (c *cache) ttlFor(contentType string) time.Duration {
	if ttl, ok := c.cfg.TTLs[contentType]; ok && ttl > 0 {
		return ttl
	}
	return c.cfg.DefaultTTL
}

// fresh returns an unexpired entry.
func (c *cache) fresh(key string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	e := v.(*cacheEntry)
	if !e.fresh(c.clock.Now()) {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return e.value, true
}

// stale returns any retained entry, expired or not.
func (c *cache) stale(key string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(*cacheEntry)
	if c.clock.Now().Sub(e.cachedAt) > e.ttl+c.cfg.MaxStale {
		c.lru.Remove(key)
		return nil, false
	}
	c.stats.StaleServed++
	return e.value, true
}

// put stores value and purges entries past their stale window.
func (c *cache) put(key, contentType string, value *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.purgeLocked(now)
	if c.lru.Add(key, &cacheEntry{key: key, value: value, cachedAt: now, ttl: c.ttlFor(contentType)}) {
		c.stats.Evictions++
	}
}

func (c *cache) remove(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.lru.Remove(k)
	}
}

func (c *cache) purgeLocked(now time.Time) {
	for _, k := range c.lru.Keys() {
		v, ok := c.lru.Peek(k)
		if !ok {
			continue
		}
		e := v.(*cacheEntry)
		if now.Sub(e.cachedAt) > e.ttl+c.cfg.MaxStale {
			c.lru.Remove(k)
		}
	}
}

func (c *cache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// reconfigure applies new limits, keeping entries that still fit.
func (c *cache) reconfigure(cfg CacheConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.MaxEntries != c.cfg.MaxEntries {
		evicted := c.lru.Resize(cfg.MaxEntries)
		c.stats.Evictions += int64(evicted)
	}
	c.cfg = cfg
	c.stats.MaxEntries = cfg.MaxEntries
}

func (c *cache) snapshot() models.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.lru.Len()
	return s
}
