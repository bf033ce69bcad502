// Package scorecache provides a bounded, expiring read-through cache in front
// of the score store.
//
// Entries expire after a sliding TTL: every hit pushes the deadline out again.
// Once full, the least recently used entry is evicted. Writers overwrite
// entries with Set rather than invalidating them, so reads after an update
// never go back to the store. The cache holds no state of its own worth
// keeping; dropping it entirely is always safe.
//
// Example usage:
//
//	cache, err := scorecache.New(store.GetScore, scorecache.Config{TTL: time.Minute, MaxEntries: 100})
//	s, err := cache.Get(ctx, "researcher")
package scorecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/personad/internal/score"
)

// loadTimeout bounds a shared store load.
const loadTimeout = 10 * time.Second

// Loader fetches a score from the backing store. A nil score means absent.
type Loader func(ctx context.Context, personaID string) (*score.PersonaScore, error)

// Config bounds the cache.
type Config struct {
	TTL        time.Duration
	MaxEntries int

	// CacheMisses stores absent results too, so unknown IDs do not hit the
	// store on every lookup.
	CacheMisses bool
}

// Validate checks the bounds.
func (c Config) Validate() error {
	if c.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive, got %s", c.TTL)
	}
	if c.MaxEntries <= 0 {
		return fmt.Errorf("cache max entries must be positive, got %d", c.MaxEntries)
	}
	return nil
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// HitRate returns hits / (hits + misses), or 0 with no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	score     *score.PersonaScore // nil for a cached miss
	expiresAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries *lru.LRU[string, *entry]
	ttl     time.Duration
	misses  bool
	load    Loader
	group   singleflight.Group
	now     func() time.Time
	metrics *Metrics

	// gen changes on every write so a load that raced a write is discarded.
	gen   uint64
	stats Stats
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache that fills misses through load.
func New(load Loader, cfg Config, opts ...Option) (*Cache, error) {
	if load == nil {
		return nil, fmt.Errorf("cache loader cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	entries, err := lru.NewLRU[string, *entry](cfg.MaxEntries, nil)
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}

	c := &Cache{
		entries: entries,
		ttl:     cfg.TTL,
		misses:  cfg.CacheMisses,
		load:    load,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the score for personaID, loading it on a miss. Concurrent
// misses for the same ID share one load. Load errors are returned and not
// cached. The returned score is a copy.
func (c *Cache) Get(ctx context.Context, personaID string) (*score.PersonaScore, error) {
	c.mu.Lock()
	now := c.now()
	if e, ok := c.entries.Get(personaID); ok {
		if now.Before(e.expiresAt) {
			e.expiresAt = now.Add(c.ttl)
			c.stats.Hits++
			c.mu.Unlock()
			if c.metrics != nil {
				c.metrics.HitsTotal.Inc()
			}
			return e.score.Clone(), nil
		}
		c.entries.Remove(personaID)
	}
	c.stats.Misses++
	gen := c.gen
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.MissesTotal.Inc()
	}

	// The shared load must outlive any one caller, so it runs detached from
	// ctx and bounded by loadTimeout. Each caller still stops waiting when
	// its own ctx is done.
	ch := c.group.DoChan(personaID, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return c.load(lctx, personaID)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	loaded, _ := res.Val.(*score.PersonaScore)

	if loaded != nil || c.misses {
		c.mu.Lock()
		if c.gen == gen {
			c.putLocked(personaID, loaded.Clone())
		}
		c.mu.Unlock()
	}
	return loaded.Clone(), nil
}

// Set overwrites the entry for personaID with s.
func (c *Cache) Set(personaID string, s *score.PersonaScore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.putLocked(personaID, s.Clone())
}

// Delete drops the entry for personaID.
func (c *Cache) Delete(personaID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries.Remove(personaID)
	c.setSizeLocked()
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries.Purge()
	c.setSizeLocked()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.entries.Len()
	return s
}

func (c *Cache) putLocked(personaID string, s *score.PersonaScore) {
	evicted := c.entries.Add(personaID, &entry{score: s, expiresAt: c.now().Add(c.ttl)})
	c.stats.Sets++
	if evicted {
		c.stats.Evictions++
	}
	if c.metrics != nil {
		c.metrics.SetsTotal.Inc()
		if evicted {
			c.metrics.EvictionsTotal.Inc()
		}
	}
	c.setSizeLocked()
}

func (c *Cache) setSizeLocked() {
	if c.metrics != nil {
		c.metrics.Size.Set(float64(c.entries.Len()))
	}
}

var _ score.Cache = (*Cache)(nil)
