// Package affinity remembers which (endpoint, credential) pair served a
// caller's model recently. Routing the caller back there keeps upstream
// prompt caches warm, which is where most of the token savings live.
package affinity

import (
	"context"
	"strings"
	"time"

	strider "github.com/striderhq/strider/internal"
)

// Key identifies one caller/model affinity binding.
type Key struct {
	CallerID string
	Format   strider.Format
	ModelID  string // canonical GlobalModel id
}

// String renders the storage key.
func (k Key) String() string {
	return k.CallerID + "|" + string(k.Format) + "|" + k.ModelID
}

// Entry is the remembered routing target.
type Entry struct {
	EndpointID   string
	CredentialID string
}

// encode renders an Entry for storage. The fixed shape keeps the redis
// compare-and-delete script a plain string equality.
func (e Entry) encode() string {
	return e.EndpointID + "|" + e.CredentialID
}

func decodeEntry(s string) (Entry, bool) {
	endpoint, credential, ok := strings.Cut(s, "|")
	if !ok || endpoint == "" || credential == "" {
		return Entry{}, false
	}
	return Entry{EndpointID: endpoint, CredentialID: credential}, true
}

// Store is the affinity backend. Implementations must make Invalidate
// conditional on the exact entry so a concurrent success for a different
// credential is never wiped by a failing attempt.
type Store interface {
	// Get returns the remembered target, if any.
	Get(ctx context.Context, key Key) (Entry, bool, error)
	// Set binds key to entry for ttl. A non-positive ttl is a no-op:
	// credentials without prompt caching never create affinity.
	Set(ctx context.Context, key Key, e Entry, ttl time.Duration) error
	// Invalidate removes the binding only if it still points at e.
	Invalidate(ctx context.Context, key Key, e Entry) error
}
