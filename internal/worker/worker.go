// Package worker provides the gateway's background tasks: adaptive-ceiling
// persistence, catalog reload, quota reconciliation, and stale-state
// eviction. The async ledger writers (usage, candidate records) live with
// their domains and plug in through the same Worker interface.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
	// Name identifies the worker in logs.
	Name() string
}
