package affinity

import (
	"context"
	"time"

	"github.com/striderhq/strider/internal/cache"
)

// memoryBackstopTTL bounds entry lifetime in the underlying cache; the
// per-entry TTL (credential cache lifetime) is what actually governs.
const memoryBackstopTTL = 24 * time.Hour

// Memory is the single-process affinity store.
type Memory struct {
	entries *cache.TTL[Entry]
}

// NewMemory creates a memory store bounded to maxEntries.
func NewMemory(maxEntries int) (*Memory, error) {
	c, err := cache.NewTTL[Entry](maxEntries, memoryBackstopTTL)
	if err != nil {
		return nil, err
	}
	return &Memory{entries: c}, nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key Key) (Entry, bool, error) {
	e, ok := m.entries.Get(key.String())
	return e, ok, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key Key, e Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.entries.Set(key.String(), e, ttl)
	return nil
}

// Invalidate implements Store. Only the exact entry is removed; a binding
// already replaced by another credential stays put.
func (m *Memory) Invalidate(_ context.Context, key Key, e Entry) error {
	cur, ok := m.entries.Get(key.String())
	if !ok || cur != e {
		return nil
	}
	m.entries.Delete(key.String())
	return nil
}
