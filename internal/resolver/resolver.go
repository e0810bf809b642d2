// Package resolver maps client-supplied model names onto the canonical
// catalog. Lookups walk mapping rules before aliases and scoped rules before
// global ones, then fall back to a direct canonical-name match. Results are
// cached per (scope, source) with event-driven invalidation.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/cache"
	"github.com/striderhq/strider/internal/catalog"
)

// scopeGlobal is the cache-key scope for unscoped lookups.
const scopeGlobal = "global"

// Options tunes the resolver cache.
type Options struct {
	CacheTTL   time.Duration
	CacheSize  int
	SimilarTop int
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 10_000
	}
	if o.SimilarTop <= 0 {
		o.SimilarTop = 5
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Resolver resolves model names against the current catalog snapshot.
type Resolver struct {
	idx   *catalog.Index
	cache *cache.TTL[string] // (scope|source) -> global model id
	ttl   time.Duration
	topK  int
	log   *slog.Logger
}

// New creates a resolver and subscribes it to the invalidation bus.
func New(idx *catalog.Index, bus *Bus, opts Options) (*Resolver, error) {
	opts.defaults()
	c, err := cache.NewTTL[string](opts.CacheSize, opts.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("resolver cache: %w", err)
	}
	r := &Resolver{
		idx:   idx,
		cache: c,
		ttl:   opts.CacheTTL,
		topK:  opts.SimilarTop,
		log:   opts.Logger,
	}
	if bus != nil {
		bus.Subscribe(r.invalidate)
	}
	return r, nil
}

func cacheKey(scope, source string) string {
	if scope == "" {
		scope = scopeGlobal
	}
	return scope + "|" + source
}

// Resolve maps a client model name to its canonical GlobalModel, honoring an
// optional provider scope. The snapshot argument pins resolution to the
// request's catalog view.
func (r *Resolver) Resolve(ctx context.Context, snap *catalog.Snapshot, source, providerScope string) (*strider.GlobalModel, error) {
	key := cacheKey(providerScope, source)
	if id, ok := r.cache.Get(key); ok {
		if g := snap.GlobalModel(id); g != nil && g.Active {
			return g, nil
		}
		// Stale id: the model vanished between cache fill and this snapshot.
		r.cache.Delete(key)
	}

	g := r.resolveUncached(snap, source, providerScope)
	if g == nil {
		return nil, fmt.Errorf("%w: %q", strider.ErrModelUnsupported, source)
	}
	r.cache.Set(key, g.ID, r.ttl)
	r.log.LogAttrs(ctx, slog.LevelDebug, "model resolved",
		slog.String("source", source),
		slog.String("scope", providerScope),
		slog.String("global_model", g.Name),
	)
	return g, nil
}

// resolveUncached walks the resolution order: scoped mapping, global mapping,
// scoped alias, global alias, direct canonical name.
func (r *Resolver) resolveUncached(snap *catalog.Snapshot, source, scope string) *strider.GlobalModel {
	type step struct {
		provider string
		kind     strider.MappingKind
	}
	steps := make([]step, 0, 4)
	if scope != "" {
		steps = append(steps, step{scope, strider.MappingRewrite})
	}
	steps = append(steps, step{"", strider.MappingRewrite})
	if scope != "" {
		steps = append(steps, step{scope, strider.MappingAlias})
	}
	steps = append(steps, step{"", strider.MappingAlias})

	for _, st := range steps {
		if m := snap.Mapping(source, st.provider, st.kind); m != nil {
			if g := snap.GlobalModel(m.GlobalModelID); g != nil && g.Active {
				return g
			}
		}
	}
	return snap.GlobalModelByName(source)
}

// Similar returns up to topK canonical names ranked by similarity to the
// given (unresolvable) name, for friendly error messages.
func (r *Resolver) Similar(snap *catalog.Snapshot, name string) []string {
	return SimilarNames(name, snap.ModelNames(), r.topK)
}

// invalidate reacts to one admin mutation signal. Eviction is exact where
// the key space allows it (scope set is bounded by the provider list) and
// degrades to a full clear for unknown scopes.
func (r *Resolver) invalidate(ev Event) {
	switch ev.Kind {
	case EventGlobalModel:
		if ev.Name == "" {
			r.purge("global model changed without name")
			return
		}
		r.evictAllScopes(ev.Name)
	case EventMapping:
		if ev.Source == "" {
			r.purge("mapping changed without source")
			return
		}
		// A scoped rule shadows the global one, so both directions are
		// affected regardless of which was mutated.
		r.evictAllScopes(ev.Source)
	case EventModel:
		// Per-provider model rows do not participate in name resolution,
		// but a cached id may now point at a model the provider no longer
		// implements. Cheap enough to clear.
		r.purge("provider model changed")
	case EventReset:
		r.purge("reset requested")
	}
}

// evictAllScopes removes the source's entry for the global scope and every
// provider scope in the current snapshot.
func (r *Resolver) evictAllScopes(source string) {
	r.cache.Delete(cacheKey("", source))
	for _, p := range r.idx.Load().Providers() {
		r.cache.Delete(cacheKey(p.ID, source))
	}
}

func (r *Resolver) purge(reason string) {
	r.cache.Purge()
	r.log.LogAttrs(context.Background(), slog.LevelWarn, "resolver cache cleared",
		slog.String("reason", reason),
	)
}
