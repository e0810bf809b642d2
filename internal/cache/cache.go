// Package cache provides the in-memory TTL cache used by the resolver and
// the memory affinity backend.
package cache

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry wraps a cached value with its expiration time. Per-entry TTLs vary
// (affinity entries inherit the credential cache lifetime), so expiry is
// checked on read on top of otter's default write expiry.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is an in-memory W-TinyLFU cache backed by otter with per-entry TTLs.
type TTL[V any] struct {
	cache *otter.Cache[string, entry[V]]
}

// NewTTL creates a cache with the given max entry count and default TTL.
// The default TTL bounds how long any entry survives regardless of its own.
func NewTTL[V any](maxSize int, defaultTTL time.Duration) (*TTL[V], error) {
	c, err := otter.New[string, entry[V]](&otter.Options[string, entry[V]]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry[V]](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &TTL[V]{cache: c}, nil
}

// Get retrieves a value if present and not expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	e, ok := c.cache.GetIfPresent(key)
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		c.cache.Invalidate(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores a value with a per-entry TTL.
func (c *TTL[V]) Set(key string, val V, ttl time.Duration) {
	c.cache.Set(key, entry[V]{
		value:     val,
		expiresAt: time.Now().Add(ttl),
	})
}

// Delete removes a value.
func (c *TTL[V]) Delete(key string) {
	c.cache.Invalidate(key)
}

// Purge removes all values.
func (c *TTL[V]) Purge() {
	c.cache.InvalidateAll()
}
