// Package imagecache is a two-tier cache for generated images: a bounded
// in-memory map in front of a persistent Store.
package imagecache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"llmgate/internal/background"
	"llmgate/internal/metrics"
)

const (
	DefaultCapacity = 100
	DefaultL1TTL    = time.Hour
	DefaultL2TTL    = 7 * 24 * time.Hour

	hitBumpTimeout = 5 * time.Second
)

type Image struct {
	Mime    string `json:"mime"`
	DataURL string `json:"data_url"`
}

type Entry struct {
	Images    []Image   `json:"images"`
	Prompt    string    `json:"prompt"`
	Options   string    `json:"options"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Personal  bool      `json:"personal"`
	CreatedAt time.Time `json:"created_at"`
	HitCount  int64     `json:"hit_count"`
}

func (e Entry) clone() Entry {
	e.Images = append([]Image(nil), e.Images...)
	return e
}

// Store is the persistent tier. Get reports a miss with found=false and a nil error.
type Store interface {
	Get(ctx context.Context, key string) (entry Entry, found bool, err error)
	Put(ctx context.Context, key string, entry Entry) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	IncrementHits(ctx context.Context, key string) error
}

type Stats struct {
	MemoryHits       int64   `json:"memory_hits"`
	MemoryMisses     int64   `json:"memory_misses"`
	PersistentHits   int64   `json:"persistent_hits"`
	PersistentMisses int64   `json:"persistent_misses"`
	GlobalHits       int64   `json:"global_hits"`
	PersonalHits     int64   `json:"personal_hits"`
	DollarsSaved     float64 `json:"dollars_saved"`
	MemoryEntries    int     `json:"memory_entries"`
}

type Config struct {
	Capacity      int
	L1TTL         time.Duration
	L2TTL         time.Duration
	SweepInterval time.Duration
	// Store is optional; without it the cache is memory only.
	Store   Store
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// slot is an L1 resident. insertedAt and seq track residency in memory,
// independent of when the entry was first generated.
type slot struct {
	entry      Entry
	insertedAt time.Time
	seq        uint64
}

type Cache struct {
	cfg     Config
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*slot
	seq     uint64
	stats   Stats
	closed  bool

	bumps sync.WaitGroup
	sweep *background.Task
}

func New(ctx context.Context, cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.L1TTL <= 0 {
		cfg.L1TTL = DefaultL1TTL
	}
	if cfg.L2TTL <= 0 {
		cfg.L2TTL = DefaultL2TTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	c := &Cache{
		cfg:     cfg,
		metrics: m,
		entries: make(map[string]*slot, cfg.Capacity),
	}
	if cfg.Store != nil {
		c.sweep = background.Every(ctx, cfg.SweepInterval, c.Sweep)
	}
	return c
}

// Get returns a copy of the entry with its hit count already incremented.
func (c *Cache) Get(ctx context.Context, key string) (Entry, bool) {
	now := c.cfg.Now()

	c.mu.Lock()
	if sl, ok := c.entries[key]; ok {
		if now.Sub(sl.insertedAt) < c.cfg.L1TTL {
			sl.entry.HitCount++
			out := sl.entry.clone()
			c.recordHitLocked(out, true)
			c.mu.Unlock()
			return out, true
		}
		delete(c.entries, key)
	}
	c.stats.MemoryMisses++
	closed := c.closed
	c.mu.Unlock()
	c.metrics.CacheLookups.WithLabelValues("memory", "miss").Inc()

	if c.cfg.Store == nil || closed {
		return Entry{}, false
	}

	e, found, err := c.cfg.Store.Get(ctx, key)
	if err != nil {
		c.cfg.Logger.Warn().Err(err).Str("key", key).Msg("image cache: persistent lookup failed")
		found = false
	}
	if found && now.Sub(e.CreatedAt) >= c.cfg.L2TTL {
		found = false
	}
	if !found {
		c.mu.Lock()
		c.stats.PersistentMisses++
		c.mu.Unlock()
		c.metrics.CacheLookups.WithLabelValues("persistent", "miss").Inc()
		return Entry{}, false
	}

	e.HitCount++
	c.mu.Lock()
	c.insertLocked(key, e.clone(), now)
	c.recordHitLocked(e, false)
	c.mu.Unlock()

	c.bumpAsync(key)
	return e.clone(), true
}

// Put writes both tiers. A persistent failure is logged and otherwise ignored.
func (c *Cache) Put(ctx context.Context, key string, e Entry) {
	now := c.cfg.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e = e.clone()

	c.mu.Lock()
	c.insertLocked(key, e.clone(), now)
	c.mu.Unlock()

	if c.cfg.Store == nil {
		return
	}
	if err := c.cfg.Store.Put(ctx, key, e); err != nil {
		c.cfg.Logger.Warn().Err(err).Str("key", key).Msg("image cache: persistent write failed")
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.MemoryEntries = len(c.entries)
	return s
}

// Sweep deletes persistent entries older than the L2 TTL.
func (c *Cache) Sweep(ctx context.Context) {
	if c.cfg.Store == nil {
		return
	}
	n, err := c.cfg.Store.DeleteOlderThan(ctx, c.cfg.Now().Add(-c.cfg.L2TTL))
	if err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("image cache: sweep failed")
		return
	}
	if n > 0 {
		c.metrics.CacheSweptTotal.Add(float64(n))
		c.cfg.Logger.Info().Int64("deleted", n).Msg("image cache: swept expired entries")
	}
}

// Close stops the sweep and waits for pending hit-count writes.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.sweep.Stop()
	c.bumps.Wait()
}

// insertLocked stores e in L1 and evicts the least recently inserted
// other entries until the map fits its capacity.
func (c *Cache) insertLocked(key string, e Entry, now time.Time) {
	c.seq++
	c.entries[key] = &slot{entry: e, insertedAt: now, seq: c.seq}
	for len(c.entries) > c.cfg.Capacity {
		var oldestKey string
		var oldest uint64
		for k, v := range c.entries {
			if k == key {
				continue
			}
			if oldestKey == "" || v.seq < oldest {
				oldestKey, oldest = k, v.seq
			}
		}
		if oldestKey == "" {
			return
		}
		delete(c.entries, oldestKey)
	}
}

func (c *Cache) recordHitLocked(e Entry, memory bool) {
	tier := "persistent"
	if memory {
		c.stats.MemoryHits++
		tier = "memory"
	} else {
		c.stats.PersistentHits++
	}
	if e.Personal {
		c.stats.PersonalHits++
	} else {
		c.stats.GlobalHits++
	}
	saved := PricePerImage(e.Provider, e.Model) * float64(len(e.Images))
	c.stats.DollarsSaved += saved
	c.metrics.CacheLookups.WithLabelValues(tier, "hit").Inc()
	c.metrics.CacheDollarsSaved.Add(saved)
}

func (c *Cache) bumpAsync(key string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.bumps.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.bumps.Done()
		ctx, cancel := context.WithTimeout(context.Background(), hitBumpTimeout)
		defer cancel()
		if err := c.cfg.Store.IncrementHits(ctx, key); err != nil {
			c.cfg.Logger.Warn().Err(err).Str("key", key).Msg("image cache: hit count update failed")
		}
	}()
}
