package layout

import (
	"sort"
	"sync"
	"time"

	"github.com/lessonstream/engine/internal/domain"
)

// EvictionStrategy selects which cache entry to evict when at capacity.
type EvictionStrategy string

const (
	EvictionLRU EvictionStrategy = "lru"
	EvictionLFU EvictionStrategy = "lfu"
	EvictionAdaptive EvictionStrategy = "adaptive"
)

// CacheConfig tunes capacity, TTL and eviction policy.
type CacheConfig struct {
	Capacity int
	TTL time.Duration // default 5m
	Strategy EvictionStrategy
	CompressionThreshold time.Duration // entries older than this get marked Compressed by optimize()
	MaxMemoryBytes int64 // approximate ceiling enforced by optimize()
}

// DefaultCacheConfig matches the documented defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Capacity: 200,
		TTL: 5 * time.Minute,
		Strategy: EvictionAdaptive,
		CompressionThreshold: 2 * time.Minute,
		MaxMemoryBytes: 32 * 1024 * 1024,
	}
}

type cacheRecord struct {
	entry domain.LayoutCacheEntry
	lastAccess time.Time
	recentIndex int // value of Cache.order at the last Get/Set, higher = more recent
}

// Cache is the timestamp -> LayoutCacheEntry store behind seekToTimestamp.
type Cache struct {
	mu sync.Mutex
	cfg CacheConfig
	entries map[int64]*cacheRecord
	order int // monotonically increasing counter for recentIndex
}

// NewCache constructs an empty cache.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 200
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &Cache{cfg: cfg, entries: make(map[int64]*cacheRecord)}
}

// Get returns the entry for timestamp t, updating its LRU/LFU bookkeeping.
// Returns false on miss or if the entry has exceeded TTL.
func (c *Cache) Get(t int64) (domain.LayoutCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.entries[t]
	if !ok {
		return domain.LayoutCacheEntry{}, false
	}
	if time.Since(rec.lastAccess) > c.cfg.TTL {
		delete(c.entries, t)
		return domain.LayoutCacheEntry{}, false
	}

	c.order++
	rec.lastAccess = time.Now()
	rec.recentIndex = c.order
	rec.entry.AccessCount++
	return rec.entry.Clone(), true
}

// Set stores entry for timestamp t, evicting per Strategy if at capacity.
func (c *Cache) Set(t int64, entry domain.LayoutCacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[t]; !exists && len(c.entries) >= c.cfg.Capacity {
		c.evictOneLocked()
	}
	c.order++
	c.entries[t] = &cacheRecord{entry: entry.Clone(), lastAccess: time.Now(), recentIndex: c.order}
}

// evictOneLocked removes one entry per cfg.Strategy. Caller must hold c.mu.
func (c *Cache) evictOneLocked() {
	if len(c.entries) == 0 {
		return
	}
	var victim int64
	switch c.cfg.Strategy {
	case EvictionLFU:
		var lowest = -1
		for k, rec := range c.entries {
			if lowest == -1 || rec.entry.AccessCount < lowest {
				lowest = rec.entry.AccessCount
				victim = k
			}
		}
	case EvictionAdaptive:
		var worstScore = -1.0
		now := time.Now()
		for k, rec := range c.entries {
			age := now.Sub(rec.lastAccess).Seconds()
			freq := float64(rec.entry.AccessCount) + 1
			adaptiveScore := age + 1/freq + 0.1*float64(c.order-rec.recentIndex)
			if worstScore < 0 || adaptiveScore > worstScore {
				worstScore = adaptiveScore
				victim = k
			}
		}
	default: // LRU
		var oldest time.Time
		first := true
		for k, rec := range c.entries {
			if first || rec.lastAccess.Before(oldest) {
				oldest = rec.lastAccess
				victim = k
				first = false
			}
		}
	}
	delete(c.entries, victim)
}

// FindClosest returns the entry whose key is nearest t, within maxDistance,
// for approximate reuse near a seek target.
func (c *Cache) FindClosest(t int64, maxDistance int64) (int64, domain.LayoutCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best int64
	bestDist := maxDistance + 1
	found := false
	for k := range c.entries {
		dist := k - t
		if dist < 0 {
			dist = -dist
		}
		if dist <= maxDistance && dist < bestDist {
			best, bestDist, found = k, dist, true
		}
	}
	if !found {
		return 0, domain.LayoutCacheEntry{}, false
	}
	return best, c.entries[best].entry.Clone(), true
}

// Optimize compresses entries older than CompressionThreshold, removes
// expired ones, and enforces MaxMemoryBytes by iterated eviction.
// Compression here is a marker only: Compressed
// is set true but Elements/TransitionData are retained so Get remains a
// transparent read.
func (c *Cache) Optimize(approxSizeOf func(domain.LayoutCacheEntry) int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, rec := range c.entries {
		if now.Sub(rec.lastAccess) > c.cfg.TTL {
			delete(c.entries, k)
			continue
		}
		if now.Sub(rec.lastAccess) > c.cfg.CompressionThreshold {
			rec.entry.Compressed = true
		}
	}

	if approxSizeOf == nil || c.cfg.MaxMemoryBytes <= 0 {
		return
	}
	var total int64
	keys := make([]int64, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
		total += approxSizeOf(c.entries[k].entry)
	}
	if total <= c.cfg.MaxMemoryBytes {
		return
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].lastAccess.Before(c.entries[keys[j]].lastAccess)
	})
	for _, k := range keys {
		if total <= c.cfg.MaxMemoryBytes {
			break
		}
		total -= approxSizeOf(c.entries[k].entry)
		delete(c.entries, k)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
