package ratelimit

import (
	"context"
	"sync"
)

// QuotaStore provides aggregated usage for budget sync.
type QuotaStore interface {
	SumKeyTokens(ctx context.Context, keyID string) (int64, error)
}

// budgetEntry tracks cumulative token spend for a single key.
type budgetEntry struct {
	limit    int64
	consumed int64
}

// QuotaTracker enforces cumulative token budgets per API key. In-memory
// counts drift from the ledger under crash or multi-instance deployment;
// the quota-sync worker reconciles them periodically.
type QuotaTracker struct {
	mu      sync.Mutex
	budgets map[string]*budgetEntry
}

// NewQuotaTracker creates a new QuotaTracker.
func NewQuotaTracker() *QuotaTracker {
	return &QuotaTracker{
		budgets: make(map[string]*budgetEntry),
	}
}

// Check returns true if the key is within its budget.
// Returns true if limit is 0 (unlimited) or if no entry exists yet.
func (q *QuotaTracker) Check(keyID string, limit int64) bool {
	if limit <= 0 {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.budgets[keyID]
	if !ok {
		q.budgets[keyID] = &budgetEntry{limit: limit}
		return true
	}
	e.limit = limit
	return e.consumed < limit
}

// Preload seeds an entry for a known key so SyncAll covers it before the
// key's first request. Existing entries are left untouched.
func (q *QuotaTracker) Preload(keyID string, limit int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.budgets[keyID]; !ok {
		q.budgets[keyID] = &budgetEntry{limit: limit}
	}
}

// Consume adds spent tokens to the key's running total.
func (q *QuotaTracker) Consume(keyID string, tokens int64) {
	if tokens <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.budgets[keyID]
	if !ok {
		e = &budgetEntry{}
		q.budgets[keyID] = e
	}
	e.consumed += tokens
}

// Sync reloads a key's consumed total from the store.
func (q *QuotaTracker) Sync(ctx context.Context, store QuotaStore, keyID string) error {
	total, err := store.SumKeyTokens(ctx, keyID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.budgets[keyID]
	if !ok {
		e = &budgetEntry{}
		q.budgets[keyID] = e
	}
	e.consumed = total
	return nil
}

// SyncAll reloads consumed totals for all tracked keys from the store.
func (q *QuotaTracker) SyncAll(ctx context.Context, store QuotaStore) error {
	q.mu.Lock()
	keys := make([]string, 0, len(q.budgets))
	for k := range q.budgets {
		keys = append(keys, k)
	}
	q.mu.Unlock()

	for _, k := range keys {
		if err := q.Sync(ctx, store, k); err != nil {
			return err
		}
	}
	return nil
}
