package cache

import (
	"context"
	"errors"
	"time"
)

// TieredCache reads through a local L1 to a shared L2 and writes to both.
// Deletes hit both tiers; an L2 failure is returned after L1 is cleared.
type TieredCache struct {
	l1 Cache
	l2 Cache
}

// NewTieredCache combines two caches. l2 may be nil, in which case l1 is used alone.
func NewTieredCache(l1, l2 Cache) *TieredCache {
	return &TieredCache{l1: l1, l2: l2}
}

// Get returns the L1 value, falling back to L2 and back-filling L1
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.l1.Get(ctx, key)
	if err == nil || c.l2 == nil {
		return data, err
	}

	data, err = c.l2.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	_ = c.l1.Set(ctx, key, data, 0)
	return data, nil
}

// Set writes to both tiers
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if c.l2 == nil {
		return nil
	}
	return c.l2.Set(ctx, key, value, ttl)
}

// Delete removes keys from both tiers
func (c *TieredCache) Delete(ctx context.Context, keys ...string) error {
	err := c.l1.Delete(ctx, keys...)
	if c.l2 != nil {
		err = errors.Join(err, c.l2.Delete(ctx, keys...))
	}
	return err
}

// DeletePrefix removes prefixed keys from both tiers
func (c *TieredCache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	n, err := c.l1.DeletePrefix(ctx, prefix)
	if c.l2 != nil {
		n2, err2 := c.l2.DeletePrefix(ctx, prefix)
		n += n2
		err = errors.Join(err, err2)
	}
	return n, err
}

// Close closes both tiers
func (c *TieredCache) Close() error {
	err := c.l1.Close()
	if c.l2 != nil {
		err = errors.Join(err, c.l2.Close())
	}
	return err
}
