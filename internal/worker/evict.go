package worker

import (
	"context"
	"log/slog"
	"time"
)

// staleAfter is how long an untouched credential keeps its in-memory state
// (breaker, tuner, limiter, transport). Catalogs churn; state for removed
// credentials must not accumulate forever.
const staleAfter = time.Hour

// Sweepable is any in-memory registry that can drop entries unused since a
// cutoff.
type Sweepable interface {
	EvictStale(cutoff time.Time) int
}

// RecordPruner deletes candidate trace rows older than a cutoff.
type RecordPruner interface {
	PruneCandidateRecords(ctx context.Context, cutoff time.Time) (int64, error)
}

// Eviction sweeps stale per-credential state out of the in-memory
// registries and enforces the trace-record retention window.
type Eviction struct {
	sweeps    map[string]Sweepable
	pruner    RecordPruner // nil = no record retention
	retention time.Duration
	interval  time.Duration
	log       *slog.Logger
}

// NewEviction creates an Eviction over the named registries. A non-positive
// interval falls back to 10 minutes; a non-positive retention disables
// record pruning.
func NewEviction(sweeps map[string]Sweepable, pruner RecordPruner, retention, interval time.Duration, log *slog.Logger) *Eviction {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Eviction{sweeps: sweeps, pruner: pruner, retention: retention, interval: interval, log: log}
}

// Name returns the worker identifier.
func (w *Eviction) Name() string { return "eviction" }

// Run sweeps on the interval until ctx is cancelled.
func (w *Eviction) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Eviction) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-staleAfter)
	for name, s := range w.sweeps {
		if n := s.EvictStale(cutoff); n > 0 {
			w.log.LogAttrs(ctx, slog.LevelDebug, "stale state evicted",
				slog.String("registry", name),
				slog.Int("evicted", n),
			)
		}
	}

	if w.pruner == nil || w.retention <= 0 {
		return
	}
	n, err := w.pruner.PruneCandidateRecords(ctx, time.Now().Add(-w.retention))
	if err != nil {
		w.log.LogAttrs(ctx, slog.LevelError, "record retention prune failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		w.log.LogAttrs(ctx, slog.LevelInfo, "trace records pruned",
			slog.Int64("deleted", n),
		)
	}
}
