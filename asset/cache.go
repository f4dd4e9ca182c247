package asset

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/opsquery/core"
)

// CacheStats provides cache performance metrics
type CacheStats struct {
	Size      int     `json:"size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// CachedStore fronts a Store with a bounded-staleness cache. Reads of an
// explicit version never expire because versions are immutable; latest
// lookups and listings expire after ttl, which bounds how long a newly
// published version can go unseen.
type CachedStore struct {
	backend Store
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	mu    sync.Mutex
	items map[string]*cacheItem
	stats CacheStats
}

type cacheItem struct {
	asset     *Asset
	list      []*Asset
	expiresAt time.Time // zero means no expiry
}

// NewCachedStore wraps backend. A non-positive ttl disables caching of
// latest lookups.
func NewCachedStore(backend Store, ttl time.Duration, maxSize int) *CachedStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &CachedStore{
		backend: backend,
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		items:   make(map[string]*cacheItem),
	}
}

// Get implements Reader
func (c *CachedStore) Get(ctx context.Context, t Type, scope, name string, version int) (*Asset, error) {
	key := fmt.Sprintf("get|%s|%s|%s|%d", t, scope, name, version)
	if item, ok := c.lookup(key); ok {
		return cloneAsset(item.asset), nil
	}

	a, err := c.backend.Get(ctx, t, scope, name, version)
	if err != nil {
		return nil, err
	}
	if version > 0 {
		c.store(key, &cacheItem{asset: cloneAsset(a)})
	} else if c.ttl > 0 {
		c.store(key, &cacheItem{asset: cloneAsset(a), expiresAt: c.now().Add(c.ttl)})
	}
	return a, nil
}

// List implements Reader
func (c *CachedStore) List(ctx context.Context, t Type, scope string) ([]*Asset, error) {
	key := fmt.Sprintf("list|%s|%s", t, scope)
	if item, ok := c.lookup(key); ok {
		return cloneList(item.list), nil
	}

	list, err := c.backend.List(ctx, t, scope)
	if err != nil {
		return nil, err
	}
	if c.ttl > 0 {
		c.store(key, &cacheItem{list: cloneList(list), expiresAt: c.now().Add(c.ttl)})
	}
	return list, nil
}

// SaveDraft implements Writer. Drafts are invisible to latest lookups, so
// nothing is invalidated.
func (c *CachedStore) SaveDraft(ctx context.Context, t Type, scope, name string, content json.RawMessage) (*Asset, error) {
	return c.backend.SaveDraft(ctx, t, scope, name, content)
}

// Publish implements Writer and drops cached latest entries for the asset
func (c *CachedStore) Publish(ctx context.Context, t Type, scope, name string, version int) (*Asset, error) {
	a, err := c.backend.Publish(ctx, t, scope, name, version)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	delete(c.items, fmt.Sprintf("get|%s|%s|%s|0", t, scope, name))
	delete(c.items, fmt.Sprintf("get|%s|%s|%s|%d", t, scope, name, version))
	delete(c.items, fmt.Sprintf("list|%s|%s", t, scope))
	c.mu.Unlock()
	return a, nil
}

// Versions implements Writer; it always reads through
func (c *CachedStore) Versions(ctx context.Context, t Type, scope, name string) ([]*Asset, error) {
	return c.backend.Versions(ctx, t, scope, name)
}

// Stats returns cache statistics
func (c *CachedStore) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Size = len(c.items)
	return stats
}

func (c *CachedStore) lookup(key string) (*cacheItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok || (!item.expiresAt.IsZero() && c.now().After(item.expiresAt)) {
		c.stats.Misses++
		c.updateHitRate()
		return nil, false
	}
	c.stats.Hits++
	c.updateHitRate()
	return item, true
}

func (c *CachedStore) store(key string, item *cacheItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) >= c.maxSize {
		c.evictExpired()
		if len(c.items) >= c.maxSize {
			c.evictOne()
		}
	}
	c.items[key] = item
}

func (c *CachedStore) evictExpired() {
	now := c.now()
	for key, item := range c.items {
		if !item.expiresAt.IsZero() && now.After(item.expiresAt) {
			delete(c.items, key)
			c.stats.Evictions++
		}
	}
}

// evictOne drops the entry closest to expiry, preferring expiring entries
// over pinned versions.
func (c *CachedStore) evictOne() {
	var victim string
	var soonest time.Time
	for key, item := range c.items {
		if victim == "" {
			victim, soonest = key, item.expiresAt
			continue
		}
		if item.expiresAt.IsZero() {
			continue
		}
		if soonest.IsZero() || item.expiresAt.Before(soonest) {
			victim, soonest = key, item.expiresAt
		}
	}
	if victim != "" {
		delete(c.items, victim)
		c.stats.Evictions++
	}
}

func (c *CachedStore) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}

func cloneList(list []*Asset) []*Asset {
	out := make([]*Asset, len(list))
	for i, a := range list {
		out[i] = cloneAsset(a)
	}
	return out
}

var _ Store = (*CachedStore)(nil)
var _ Store = (*MemoryStore)(nil)
var _ Store = (*SQLiteStore)(nil)

// LogStats reports cache health, called by the app at shutdown
func (c *CachedStore) LogStats(logger core.Logger) {
	stats := c.Stats()
	logger.Info("Asset cache stats", map[string]interface{}{
		"operation": "asset_cache_stats",
		"size":      stats.Size,
		"hits":      stats.Hits,
		"misses":    stats.Misses,
		"evictions": stats.Evictions,
		"hit_rate":  stats.HitRate,
	})
}
