package cache

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryConfig sizes the in-process cache
type MemoryConfig struct {
	MaxEntries int
	TTL        time.Duration
}

// DefaultMemoryConfig returns default memory cache configuration
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxEntries: 500,
		TTL:        15 * time.Minute,
	}
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache implements an in-memory LRU cache with a default TTL.
// Entries stored with a shorter TTL expire on read.
type MemoryCache struct {
	config MemoryConfig
	cache  *lru.LRU[string, memoryEntry]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemoryCache creates a new memory-only cache
func NewMemoryCache(config MemoryConfig) *MemoryCache {
	if config.MaxEntries < 10 {
		config.MaxEntries = 10
	}
	if config.TTL <= 0 {
		config.TTL = DefaultMemoryConfig().TTL
	}

	return &MemoryCache{
		config: config,
		cache:  lru.NewLRU[string, memoryEntry](config.MaxEntries, nil, config.TTL),
	}
}

// Get retrieves a cached value
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidCacheKey
	}

	entry, ok := c.cache.Get(key)
	if ok && !entry.expiresAt.IsZero() && !time.Now().Before(entry.expiresAt) {
		c.cache.Remove(key)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		return nil, ErrCacheMiss
	}

	c.hits.Add(1)
	return entry.value, nil
}

// Set stores a value in cache
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidCacheKey
	}

	entry := memoryEntry{value: value}
	if ttl > 0 && ttl < c.config.TTL {
		entry.expiresAt = time.Now().Add(ttl)
	}
	c.cache.Add(key, entry)
	return nil
}

// Delete removes cached values
func (c *MemoryCache) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		c.cache.Remove(key)
	}
	return nil
}

// DeletePrefix removes all keys with the prefix
func (c *MemoryCache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	removed := 0
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) && c.cache.Remove(key) {
			removed++
		}
	}
	return removed, nil
}

// Stats returns cache statistics
func (c *MemoryCache) Stats() Stats {
	stats := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		ItemCount: int64(c.cache.Len()),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Close releases resources
func (c *MemoryCache) Close() error {
	c.cache.Purge()
	return nil
}
