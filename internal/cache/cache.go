package cache

import (
	"math"
	"sync"
	"time"

	"github.com/concordkv/concordkv/internal/obsmetrics"
)

// Options configures a Cache, sourced from config.CacheConfig.
type Options struct {
	MaxEntries     int
	Policy         Name
	EvictionFactor float64
	DefaultTTL     time.Duration
	SweepInterval  time.Duration
	Metrics        *obsmetrics.Registry
	MetricsLabel   string // e.g. shard id, for per-shard cache metrics
}

func (o *Options) setDefaults() {
	if o.MaxEntries <= 0 {
		o.MaxEntries = 10000
	}
	if o.EvictionFactor <= 0 || o.EvictionFactor >= 1 {
		o.EvictionFactor = 0.1
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.Metrics == nil {
		o.Metrics = obsmetrics.New()
	}
	if o.MetricsLabel == "" {
		o.MetricsLabel = string(o.Policy)
	}
}

// Cache is the hash-indexed, pluggable-eviction front-end of spec
// §4.J. The entry map and hit/miss counting are grounded on the
// teacher's BlockCache (pkg/lsm/cache.go); eviction policy is
// delegated to a Policy implementation so LRU/LFU/FIFO/RANDOM/CLOCK/
// ARC all share one front-end.
type Cache struct {
	mu      sync.Mutex
	opts    Options
	entries map[string]*entry
	policy  Policy

	hits, misses, evictions int64

	stopSweep chan struct{}
	sweepWG   sync.WaitGroup
}

// New constructs a Cache and starts its periodic TTL sweep.
func New(opts Options) *Cache {
	opts.setDefaults()
	c := &Cache{
		opts:      opts,
		entries:   make(map[string]*entry, opts.MaxEntries),
		policy:    NewPolicy(opts.Policy, opts.MaxEntries),
		stopSweep: make(chan struct{}),
	}
	c.sweepWG.Add(1)
	go c.sweepLoop()
	return c
}

// Close stops the background TTL sweep.
func (c *Cache) Close() {
	close(c.stopSweep)
	c.sweepWG.Wait()
}

// Get returns the value for key, lazily expiring it if its TTL has
// passed (spec §4.J).
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.opts.Metrics.CacheMisses.WithLabelValues(c.opts.MetricsLabel).Inc()
		return nil, false
	}
	if e.expired(time.Now()) {
		c.removeLocked(key)
		c.misses++
		c.opts.Metrics.CacheMisses.WithLabelValues(c.opts.MetricsLabel).Inc()
		return nil, false
	}

	c.policy.Touch(key)
	c.hits++
	c.opts.Metrics.CacheHits.WithLabelValues(c.opts.MetricsLabel).Inc()
	return e.value, true
}

// Set inserts or updates key, evicting floor(eviction_factor *
// max_entries) entries (at least one) if the cache is at capacity
// (spec §4.J). ttl == 0 falls back to Options.DefaultTTL; when that is
// also zero (the default), the entry never expires.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl == 0 {
		ttl = c.opts.DefaultTTL
	}

	now := time.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	if existing, ok := c.entries[key]; ok {
		existing.value = value
		existing.expiresAt = expiresAt
		c.policy.Touch(key)
		return
	}

	if len(c.entries) >= c.opts.MaxEntries {
		toEvict := int(math.Floor(c.opts.EvictionFactor * float64(c.opts.MaxEntries)))
		if toEvict < 1 {
			toEvict = 1
		}
		for i := 0; i < toEvict; i++ {
			victim, ok := c.policy.Evict()
			if !ok {
				break
			}
			delete(c.entries, victim)
			c.evictions++
			c.opts.Metrics.CacheEvictions.WithLabelValues(c.opts.MetricsLabel).Inc()
		}
	}

	c.entries[key] = &entry{key: key, value: value, insertAt: now, expiresAt: expiresAt}
	c.policy.Add(key)
}

// Delete removes key from the cache if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

func (c *Cache) removeLocked(key string) {
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.policy.Remove(key)
	}
}

// Clear wipes every entry and resets the eviction policy, for callers
// that have invalidated the entire keyspace at once (e.g. a snapshot
// load replacing all underlying data).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry, c.opts.MaxEntries)
	c.policy = NewPolicy(c.opts.Policy, c.opts.MaxEntries)
}

// Exists reports presence without affecting recency, matching
// spec §4.J's exists(k) as a peek.
func (c *Cache) Exists(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	return !e.expired(time.Now())
}

// Stats reports hit/miss/eviction counts, spec §4.J's stats().
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions, Size: len(c.entries)}
}

// ValidateIntegrity verifies the entry map and the policy's tracked
// size agree, per spec §8 invariant 6.
func (c *Cache) ValidateIntegrity() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries) == c.policy.Len()
}

func (c *Cache) sweepLoop() {
	defer c.sweepWG.Done()
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Cache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(key)
		}
	}
}
