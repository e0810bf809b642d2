// Package candidate turns one request into an ordered routing plan: every
// (provider, endpoint, credential) triple that could serve it, skip-marked
// where it cannot, cache-affine candidate first.
package candidate

import (
	"context"
	"log/slog"
	"sort"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/affinity"
	"github.com/striderhq/strider/internal/catalog"
	"github.com/striderhq/strider/internal/convert"
	"github.com/striderhq/strider/internal/health"
	"github.com/striderhq/strider/internal/resolver"
	"github.com/striderhq/strider/internal/telemetry"
)

// Primary sort keys after cache affinity.
const (
	ModeProvider   = "provider"
	ModeCredential = "credential"
)

// Request describes one routing decision.
type Request struct {
	Format strider.Format
	Model  string
	Caller *strider.Identity
	Stream bool
	// Required holds the parsed X-Require-Capability rules.
	Required []strider.CapabilityRule
}

// List is the routing plan plus the canonical model that keys affinity and
// usage. Skipped candidates stay in the list so the trace records them.
type List struct {
	GlobalModel *strider.GlobalModel
	Candidates  []*strider.Candidate
}

// Viable counts candidates that will actually be attempted.
func (l *List) Viable() int {
	n := 0
	for _, c := range l.Candidates {
		if !c.Skipped {
			n++
		}
	}
	return n
}

// Options tunes enumeration and ordering.
type Options struct {
	// PriorityMode selects the primary sort key: ModeProvider (default)
	// or ModeCredential.
	PriorityMode string
	// ProviderBatch bounds per-pass enumeration work. All batches run.
	ProviderBatch int
	Logger        *slog.Logger
	Metrics       *telemetry.Metrics
}

// Resolver builds candidate lists from the catalog snapshot.
type Resolver struct {
	models   *resolver.Resolver
	health   *health.Monitor
	affinity affinity.Store
	conv     *convert.Registry
	mode     string
	batch    int
	log      *slog.Logger
	metrics  *telemetry.Metrics
}

func NewResolver(models *resolver.Resolver, hm *health.Monitor, aff affinity.Store, conv *convert.Registry, opts Options) *Resolver {
	if opts.PriorityMode == "" {
		opts.PriorityMode = ModeProvider
	}
	if opts.ProviderBatch <= 0 {
		opts.ProviderBatch = 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		models:   models,
		health:   hm,
		affinity: aff,
		conv:     conv,
		mode:     opts.PriorityMode,
		batch:    opts.ProviderBatch,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Resolve enumerates, marks, and orders candidates for the request. The
// returned list is deterministic for a given snapshot and health state.
func (r *Resolver) Resolve(ctx context.Context, snap *catalog.Snapshot, req Request) (*List, error) {
	global, err := r.models.Resolve(ctx, snap, req.Model, "")
	if err != nil {
		return nil, err
	}
	list := &List{GlobalModel: global}

	providers := snap.Providers()
	for start := 0; start < len(providers); start += r.batch {
		end := min(start+r.batch, len(providers))
		for _, p := range providers[start:end] {
			if !req.Caller.ProviderAllowed(p.ID) {
				continue
			}
			r.appendProvider(ctx, snap, req, p, global, list)
		}
	}

	r.markAffinity(ctx, req, global, list)
	r.order(list.Candidates)

	r.log.LogAttrs(ctx, slog.LevelDebug, "candidates resolved",
		slog.String("model", global.Name),
		slog.Int("candidates", len(list.Candidates)),
		slog.Int("viable", list.Viable()),
	)
	return list, nil
}

// appendProvider adds one candidate per (endpoint, credential) pair of the
// provider, provided it implements the model in a format the client can
// receive.
func (r *Resolver) appendProvider(ctx context.Context, snap *catalog.Snapshot, req Request, p *strider.Provider, global *strider.GlobalModel, list *List) {
	// A provider-scoped mapping may redirect this provider to a different
	// canonical model.
	g := global
	if scoped, err := r.models.Resolve(ctx, snap, req.Model, p.ID); err == nil {
		g = scoped
	}
	impl := snap.Impl(p.ID, g.ID)
	if impl == nil {
		return
	}
	for _, ep := range snap.EndpointsOf(p.ID) {
		if !r.conv.Supported(req.Format, ep.Format) {
			continue
		}
		for _, cred := range snap.CredentialsOf(ep.ID) {
			c := &strider.Candidate{
				Provider:   p,
				Endpoint:   ep,
				Credential: cred,
				Model:      impl,
			}
			r.mark(req, c)
			list.Candidates = append(list.Candidates, c)
		}
	}
}

// mark applies the skip rules in their checking order: circuit state,
// required capabilities, stream support.
func (r *Resolver) mark(req Request, c *strider.Candidate) {
	if r.health != nil && r.health.IsOpen(c.Credential.ID) {
		c.Skipped, c.SkipReason = true, strider.SkipUnhealthy
		return
	}
	for _, rule := range req.Required {
		if !c.Credential.Satisfies(rule) {
			c.Skipped = true
			c.SkipReason = strider.SkipCapability + ":" + ruleName(rule)
			return
		}
	}
	if req.Stream && c.Endpoint.NoStream {
		c.Skipped, c.SkipReason = true, strider.SkipNoStream
	}
}

func ruleName(rule strider.CapabilityRule) string {
	if rule.Negate {
		return "-" + rule.Name
	}
	return rule.Name
}

// markAffinity flags the remembered (endpoint, credential) pair when it is
// still present and attemptable.
func (r *Resolver) markAffinity(ctx context.Context, req Request, g *strider.GlobalModel, list *List) {
	if r.affinity == nil || req.Caller == nil || req.Caller.KeyID == "" {
		return
	}
	key := affinity.Key{CallerID: req.Caller.KeyID, Format: req.Format, ModelID: g.ID}
	entry, ok, err := r.affinity.Get(ctx, key)
	if err != nil {
		r.log.LogAttrs(ctx, slog.LevelWarn, "affinity lookup failed",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		r.observe("error")
		return
	}
	if !ok {
		r.observe("miss")
		return
	}
	for _, c := range list.Candidates {
		if c.Endpoint.ID == entry.EndpointID && c.Credential.ID == entry.CredentialID && !c.Skipped {
			c.Cached = true
			r.observe("hit")
			return
		}
	}
	r.observe("stale")
}

func (r *Resolver) observe(result string) {
	if r.metrics != nil {
		r.metrics.AffinityLookups.WithLabelValues(result).Inc()
	}
}

// order sorts cache-affine first, then by the configured priority pair,
// with ids as the stable tiebreak.
func (r *Resolver) order(cands []*strider.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Cached != b.Cached {
			return a.Cached
		}
		ap, as := a.Provider.Priority, a.Credential.Priority
		bp, bs := b.Provider.Priority, b.Credential.Priority
		if r.mode == ModeCredential {
			ap, as = as, ap
			bp, bs = bs, bp
		}
		if ap != bp {
			return ap < bp
		}
		if as != bs {
			return as < bs
		}
		if a.Provider.ID != b.Provider.ID {
			return a.Provider.ID < b.Provider.ID
		}
		return a.Credential.ID < b.Credential.ID
	})
}
