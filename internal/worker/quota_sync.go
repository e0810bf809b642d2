package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/striderhq/strider/internal/ratelimit"
)

// QuotaSync periodically reconciles in-memory budget counters with the
// usage ledger. In-process counts drift under crash or multi-instance
// deployment; the ledger is the source of truth.
type QuotaSync struct {
	tracker  *ratelimit.QuotaTracker
	store    ratelimit.QuotaStore
	interval time.Duration
	log      *slog.Logger
}

// NewQuotaSync creates a QuotaSync. A non-positive interval falls back to
// one minute.
func NewQuotaSync(tracker *ratelimit.QuotaTracker, store ratelimit.QuotaStore, interval time.Duration, log *slog.Logger) *QuotaSync {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &QuotaSync{tracker: tracker, store: store, interval: interval, log: log}
}

// Name returns the worker identifier.
func (w *QuotaSync) Name() string { return "quota_sync" }

// Run performs an initial sync, then reconciles on the interval until ctx
// is cancelled.
func (w *QuotaSync) Run(ctx context.Context) error {
	w.sync(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sync(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *QuotaSync) sync(ctx context.Context) {
	if err := w.tracker.SyncAll(ctx, w.store); err != nil {
		w.log.LogAttrs(ctx, slog.LevelError, "quota sync failed",
			slog.String("error", err.Error()),
		)
	}
}
