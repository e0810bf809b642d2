package worker

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/striderhq/strider/internal/adaptive"
	"github.com/striderhq/strider/internal/storage"
)

// AdaptiveSync persists learned concurrency ceilings so a restart resumes
// from the tuned values instead of re-probing from the initial guess.
type AdaptiveSync struct {
	tuner    *adaptive.Manager
	store    storage.AdaptiveStore
	interval time.Duration
	log      *slog.Logger

	// last holds the ceilings as of the previous flush; only deltas hit
	// the store.
	last map[string]int
}

// NewAdaptiveSync creates an AdaptiveSync. A non-positive interval falls
// back to 30 seconds.
func NewAdaptiveSync(tuner *adaptive.Manager, store storage.AdaptiveStore, interval time.Duration, log *slog.Logger) *AdaptiveSync {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &AdaptiveSync{
		tuner:    tuner,
		store:    store,
		interval: interval,
		log:      log,
		last:     make(map[string]int),
	}
}

// Name returns the worker identifier.
func (w *AdaptiveSync) Name() string { return "adaptive_sync" }

// Run flushes changed ceilings on the interval. A final flush runs on
// shutdown so the last adjustments survive the restart they usually
// precede.
func (w *AdaptiveSync) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flush(flushCtx)
			cancel()
			return nil
		}
	}
}

func (w *AdaptiveSync) flush(ctx context.Context) {
	snap := w.tuner.Snapshot()
	changed := make(map[string]int)
	for id, ceiling := range snap {
		if prev, ok := w.last[id]; !ok || prev != ceiling {
			changed[id] = ceiling
		}
	}
	if len(changed) == 0 {
		return
	}
	if err := w.store.SaveLearnedLimits(ctx, changed); err != nil {
		w.log.LogAttrs(ctx, slog.LevelError, "adaptive ceiling sync failed",
			slog.Int("changed", len(changed)),
			slog.String("error", err.Error()),
		)
		return
	}
	maps.Copy(w.last, changed)
	w.log.LogAttrs(ctx, slog.LevelDebug, "adaptive ceilings persisted",
		slog.Int("changed", len(changed)),
	)
}
