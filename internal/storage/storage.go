// Package storage defines the persistence interfaces consumed by the core.
// The catalog is read in bulk and indexed in memory; the only hot write
// paths are the append-only ledgers (usage, candidate records) and the
// adaptive ceiling sync. Admin mutation of the catalog happens out of
// process against the same database.
package storage

import (
	"context"
	"time"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/catalog"
)

// CatalogStore loads the full routing catalog for the in-memory index.
type CatalogStore interface {
	// LoadCatalog returns every catalog record, active or not. The index
	// filters; the store does not.
	LoadCatalog(ctx context.Context) (catalog.Data, error)
}

// APIKeyStore resolves and maintains caller API keys.
type APIKeyStore interface {
	GetKeyByHash(ctx context.Context, hash string) (*strider.APIKey, error)
	TouchKeyUsed(ctx context.Context, id string) error
	CreateKey(ctx context.Context, key *strider.APIKey) error
}

// RecordStore persists candidate trace rows. Upsert semantics: the async
// writer flushes the same record id at each lifecycle transition and the
// last write wins.
type RecordStore interface {
	UpsertCandidateRecords(ctx context.Context, recs []strider.CandidateRecord) error
	ListCandidateRecords(ctx context.Context, requestID string) ([]strider.CandidateRecord, error)
	// PruneCandidateRecords deletes trace rows older than cutoff; the
	// eviction worker enforces the configured retention.
	PruneCandidateRecords(ctx context.Context, cutoff time.Time) (int64, error)
}

// UsageStore persists the request ledger.
type UsageStore interface {
	InsertUsage(ctx context.Context, recs []strider.UsageRecord) error
	// SumKeyTokens returns the cumulative token total for one caller key,
	// used by the token-budget gate.
	SumKeyTokens(ctx context.Context, keyID string) (int64, error)
}

// AdaptiveStore persists learned concurrency ceilings between restarts.
type AdaptiveStore interface {
	SaveLearnedLimits(ctx context.Context, ceilings map[string]int) error
}

// SeedStore bootstraps catalog records from config on an empty database.
type SeedStore interface {
	SeedCatalog(ctx context.Context, data catalog.Data) error
}

// Store is the full persistence surface the daemon wires up.
type Store interface {
	CatalogStore
	APIKeyStore
	RecordStore
	UsageStore
	AdaptiveStore
	SeedStore

	Ping(ctx context.Context) error
	Close() error
}
