// Package cache provides the byte-oriented caches behind permission resolution:
// an in-process LRU, a Redis tier and a two-level combination of both.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCacheMiss is returned when a cache key is not found
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidCacheKey is returned when a cache key is empty
	ErrInvalidCacheKey = errors.New("invalid cache key")
)

// Cache stores opaque values under string keys
type Cache interface {
	// Get returns ErrCacheMiss when the key is absent or expired
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value; ttl <= 0 uses the cache default
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes keys; absent keys are ignored
	Delete(ctx context.Context, keys ...string) error

	// DeletePrefix removes every key starting with prefix and returns how many were removed
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	Close() error
}

// Stats represents cache statistics
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	ItemCount int64   `json:"item_count"`
}

// GetJSON reads and decodes a JSON value. Undecodable entries are removed and reported as misses.
func GetJSON(ctx context.Context, c Cache, key string, dest interface{}) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		_ = c.Delete(ctx, key)
		return ErrCacheMiss
	}
	return nil
}

// SetJSON encodes and stores a JSON value
func SetJSON(ctx context.Context, c Cache, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return c.Set(ctx, key, data, ttl)
}
