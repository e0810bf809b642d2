package worker

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"github.com/striderhq/strider/internal/catalog"
	"github.com/striderhq/strider/internal/resolver"
	"github.com/striderhq/strider/internal/storage"
)

// CatalogReload rebuilds the in-memory routing index from the store on an
// interval. Admin tooling mutates the database out of process; this worker
// is how those mutations reach the serving path.
type CatalogReload struct {
	store    storage.CatalogStore
	idx      *catalog.Index
	bus      *resolver.Bus // nil = no resolver cache to signal
	interval time.Duration
	log      *slog.Logger

	last catalog.Data
}

// NewCatalogReload creates a CatalogReload seeded with the data the index
// was built from, so the first tick only swaps on a real change. A
// non-positive interval falls back to one minute.
func NewCatalogReload(store storage.CatalogStore, idx *catalog.Index, bus *resolver.Bus, seed catalog.Data, interval time.Duration, log *slog.Logger) *CatalogReload {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &CatalogReload{store: store, idx: idx, bus: bus, interval: interval, log: log, last: seed}
}

// Name returns the worker identifier.
func (w *CatalogReload) Name() string { return "catalog_reload" }

// Run reloads on the interval until ctx is cancelled.
func (w *CatalogReload) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.reload(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *CatalogReload) reload(ctx context.Context) {
	data, err := w.store.LoadCatalog(ctx)
	if err != nil {
		// Serve from the last good snapshot; a flaky database must not
		// take routing down with it.
		w.log.LogAttrs(ctx, slog.LevelError, "catalog reload failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if reflect.DeepEqual(data, w.last) {
		return
	}

	snap := catalog.NewSnapshot(data)
	w.idx.Swap(snap)
	w.last = data
	if w.bus != nil {
		// Mappings may now point elsewhere; cached resolutions revalidate
		// ids but not targets, so a changed catalog clears the cache.
		w.bus.Publish(resolver.Event{Kind: resolver.EventReset})
	}
	w.log.LogAttrs(ctx, slog.LevelInfo, "catalog reloaded",
		slog.Int("providers", len(data.Providers)),
		slog.Int("endpoints", len(data.Endpoints)),
		slog.Int("credentials", len(data.Credentials)),
		slog.Int("models", len(data.GlobalModels)),
	)
}
