package candidate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/affinity"
	"github.com/striderhq/strider/internal/catalog"
	"github.com/striderhq/strider/internal/convert"
	"github.com/striderhq/strider/internal/health"
	"github.com/striderhq/strider/internal/resolver"
)

func intp(v int) *int { return &v }

// testSnapshot builds a two-provider catalog: alpha (priority 1) speaks
// claude on e1 with credentials k1/k2, beta (priority 2) speaks gemini on
// e2 with credential k3. Both implement g1; beta also implements g2 behind
// a scoped rewrite of "swap".
func testSnapshot() *catalog.Snapshot {
	return catalog.NewSnapshot(catalog.Data{
		Providers: []strider.Provider{
			{ID: "p1", Name: "alpha", Priority: 1, Active: true},
			{ID: "p2", Name: "beta", Priority: 2, Active: true},
		},
		Endpoints: []strider.Endpoint{
			{ID: "e1", ProviderID: "p1", BaseURL: "https://alpha.example", Format: strider.FormatClaude, Active: true},
			{ID: "e2", ProviderID: "p2", BaseURL: "https://beta.example", Format: strider.FormatGemini, Active: true},
		},
		Credentials: []strider.Credential{
			{ID: "k1", EndpointID: "e1", Priority: 1, Capabilities: []string{"cache_1h"}, CacheTTLMinutes: 60, Active: true},
			{ID: "k2", EndpointID: "e1", Priority: 2, Active: true},
			{ID: "k3", EndpointID: "e2", Priority: 0, MaxConcurrent: intp(4), Active: true},
		},
		GlobalModels: []strider.GlobalModel{
			{ID: "g1", Name: "omni-large", Active: true},
			{ID: "g2", Name: "omni-mini", Active: true},
		},
		Mappings: []strider.ModelMapping{
			{ID: "m1", SourceName: "swap", GlobalModelID: "g1", Kind: strider.MappingAlias, Active: true},
			{ID: "m2", SourceName: "swap", GlobalModelID: "g2", ProviderID: "p2", Kind: strider.MappingRewrite, Active: true},
		},
		Impls: []strider.ModelImpl{
			{ID: "i1", ProviderID: "p1", GlobalModelID: "g1", UpstreamName: "alpha-omni-large", Active: true},
			{ID: "i2", ProviderID: "p2", GlobalModelID: "g1", UpstreamName: "beta/omni-large", Active: true},
			{ID: "i3", ProviderID: "p2", GlobalModelID: "g2", UpstreamName: "beta/omni-mini", Active: true},
		},
	})
}

type fixture struct {
	snap     *catalog.Snapshot
	health   *health.Monitor
	affinity affinity.Store
	resolver *Resolver
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	snap := testSnapshot()
	idx := catalog.NewIndex(snap)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	models, err := resolver.New(idx, nil, resolver.Options{Logger: log})
	if err != nil {
		t.Fatal(err)
	}
	hm := health.NewMonitor(health.Config{FailureThreshold: 1, FailureWindow: time.Minute, OpenTimeout: time.Minute})
	aff, err := affinity.NewMemory(100)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Logger == nil {
		opts.Logger = log
	}
	return &fixture{
		snap:     snap,
		health:   hm,
		affinity: aff,
		resolver: NewResolver(models, hm, aff, convert.NewRegistry(log), opts),
	}
}

func ids(list *List) []string {
	out := make([]string, 0, len(list.Candidates))
	for _, c := range list.Candidates {
		out = append(out, c.Credential.ID)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestResolveOrdering(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	list, err := f.resolver.Resolve(context.Background(), f.snap, Request{
		Format: strider.FormatOpenAI,
		Model:  "omni-large",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if list.GlobalModel.ID != "g1" {
		t.Errorf("global model = %s, want g1", list.GlobalModel.ID)
	}
	// Provider mode: alpha's credentials by priority, then beta's.
	if got := ids(list); !equal(got, []string{"k1", "k2", "k3"}) {
		t.Errorf("order = %v, want [k1 k2 k3]", got)
	}
	if list.Viable() != 3 {
		t.Errorf("viable = %d, want 3", list.Viable())
	}
	if got := list.Candidates[0].Model.UpstreamName; got != "alpha-omni-large" {
		t.Errorf("upstream name = %q, want alpha-omni-large", got)
	}
}

func TestResolveCredentialMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{PriorityMode: ModeCredential})
	list, err := f.resolver.Resolve(context.Background(), f.snap, Request{
		Format: strider.FormatOpenAI,
		Model:  "omni-large",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// k3 has the best credential priority, so it leads despite beta's
	// worse provider priority.
	if got := ids(list); !equal(got, []string{"k3", "k1", "k2"}) {
		t.Errorf("order = %v, want [k3 k1 k2]", got)
	}
}

func TestResolveUnknownModel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	_, err := f.resolver.Resolve(context.Background(), f.snap, Request{
		Format: strider.FormatOpenAI,
		Model:  "no-such",
	})
	if !errors.Is(err, strider.ErrModelUnsupported) {
		t.Errorf("err = %v, want ErrModelUnsupported", err)
	}
}

func TestResolveFormatFilter(t *testing.T) {
	t.Parallel()
	snap := catalog.NewSnapshot(catalog.Data{
		Providers: []strider.Provider{
			{ID: "p1", Priority: 1, Active: true},
			{ID: "p2", Priority: 2, Active: true},
		},
		Endpoints: []strider.Endpoint{
			{ID: "e1", ProviderID: "p1", Format: strider.FormatOpenAI, Active: true},
			{ID: "e2", ProviderID: "p2", Format: strider.FormatResponses, Active: true},
		},
		Credentials: []strider.Credential{
			{ID: "k1", EndpointID: "e1", Active: true},
			{ID: "k2", EndpointID: "e2", Active: true},
		},
		GlobalModels: []strider.GlobalModel{{ID: "g1", Name: "omni-large", Active: true}},
		Impls: []strider.ModelImpl{
			{ID: "i1", ProviderID: "p1", GlobalModelID: "g1", UpstreamName: "omni", Active: true},
			{ID: "i2", ProviderID: "p2", GlobalModelID: "g1", UpstreamName: "omni", Active: true},
		},
	})
	f := newFixture(t, Options{})
	// Claude callers can receive openai upstreams through the converter,
	// but no responses->claude direction is registered.
	list, err := f.resolver.Resolve(context.Background(), snap, Request{
		Format: strider.FormatClaude,
		Model:  "omni-large",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := ids(list); !equal(got, []string{"k1"}) {
		t.Errorf("order = %v, want [k1]", got)
	}
}

func TestResolveAllowList(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	list, err := f.resolver.Resolve(context.Background(), f.snap, Request{
		Format: strider.FormatOpenAI,
		Model:  "omni-large",
		Caller: &strider.Identity{KeyID: "key1", AllowedProviders: []string{"p2"}},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := ids(list); !equal(got, []string{"k3"}) {
		t.Errorf("order = %v, want [k3]", got)
	}
}

func TestResolveSkipMarks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.health.RecordFailure("k2", "upstream_server")

	list, err := f.resolver.Resolve(context.Background(), f.snap, Request{
		Format:   strider.FormatOpenAI,
		Model:    "omni-large",
		Stream:   true,
		Required: []strider.CapabilityRule{{Name: "cache_1h"}},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	byCred := map[string]*strider.Candidate{}
	for _, c := range list.Candidates {
		byCred[c.Credential.ID] = c
	}
	if c := byCred["k1"]; c.Skipped {
		t.Errorf("k1 skipped: %s", c.SkipReason)
	}
	if c := byCred["k2"]; !c.Skipped || c.SkipReason != strider.SkipUnhealthy {
		t.Errorf("k2 = %+v, want unhealthy skip", c)
	}
	if c := byCred["k3"]; !c.Skipped || c.SkipReason != strider.SkipCapability+":cache_1h" {
		t.Errorf("k3 = %+v, want capability skip", c)
	}
	if list.Viable() != 1 {
		t.Errorf("viable = %d, want 1", list.Viable())
	}
}

func TestResolveNoStreamSkip(t *testing.T) {
	t.Parallel()
	snap := catalog.NewSnapshot(catalog.Data{
		Providers: []strider.Provider{{ID: "p1", Priority: 1, Active: true}},
		Endpoints: []strider.Endpoint{
			{ID: "e1", ProviderID: "p1", Format: strider.FormatOpenAI, NoStream: true, Active: true},
		},
		Credentials:  []strider.Credential{{ID: "k1", EndpointID: "e1", Active: true}},
		GlobalModels: []strider.GlobalModel{{ID: "g1", Name: "omni-large", Active: true}},
		Impls: []strider.ModelImpl{
			{ID: "i1", ProviderID: "p1", GlobalModelID: "g1", UpstreamName: "omni", Active: true},
		},
	})
	f := newFixture(t, Options{})
	list, err := f.resolver.Resolve(context.Background(), snap, Request{
		Format: strider.FormatOpenAI,
		Model:  "omni-large",
		Stream: true,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c := list.Candidates[0]; !c.Skipped || c.SkipReason != strider.SkipNoStream {
		t.Errorf("candidate = %+v, want no-stream skip", c)
	}
}

func TestResolveAffinityFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	caller := &strider.Identity{KeyID: "key1"}
	key := affinity.Key{CallerID: "key1", Format: strider.FormatOpenAI, ModelID: "g1"}
	if err := f.affinity.Set(context.Background(), key, affinity.Entry{EndpointID: "e2", CredentialID: "k3"}, time.Minute); err != nil {
		t.Fatal(err)
	}

	list, err := f.resolver.Resolve(context.Background(), f.snap, Request{
		Format: strider.FormatOpenAI,
		Model:  "omni-large",
		Caller: caller,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := ids(list); !equal(got, []string{"k3", "k1", "k2"}) {
		t.Errorf("order = %v, want affine k3 first", got)
	}
	if !list.Candidates[0].Cached {
		t.Error("affine candidate not marked cached")
	}
}

func TestResolveAffinityIgnoresSkipped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.health.RecordFailure("k3", "upstream_server")
	key := affinity.Key{CallerID: "key1", Format: strider.FormatOpenAI, ModelID: "g1"}
	if err := f.affinity.Set(context.Background(), key, affinity.Entry{EndpointID: "e2", CredentialID: "k3"}, time.Minute); err != nil {
		t.Fatal(err)
	}

	list, err := f.resolver.Resolve(context.Background(), f.snap, Request{
		Format: strider.FormatOpenAI,
		Model:  "omni-large",
		Caller: &strider.Identity{KeyID: "key1"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for _, c := range list.Candidates {
		if c.Cached {
			t.Errorf("%s marked cached despite open circuit", c.Credential.ID)
		}
	}
}

func TestResolveScopedRewrite(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	list, err := f.resolver.Resolve(context.Background(), f.snap, Request{
		Format: strider.FormatOpenAI,
		Model:  "swap",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Affinity keys on the global resolution.
	if list.GlobalModel.ID != "g1" {
		t.Errorf("global model = %s, want g1", list.GlobalModel.ID)
	}
	byProvider := map[string]*strider.Candidate{}
	for _, c := range list.Candidates {
		byProvider[c.Provider.ID] = c
	}
	if got := byProvider["p1"].Model.UpstreamName; got != "alpha-omni-large" {
		t.Errorf("p1 upstream = %q, want alpha-omni-large", got)
	}
	// The p2-scoped rewrite redirects beta to its omni-mini implementation.
	if got := byProvider["p2"].Model.UpstreamName; got != "beta/omni-mini" {
		t.Errorf("p2 upstream = %q, want beta/omni-mini", got)
	}
}

func TestResolveBatchCoversAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{ProviderBatch: 1})
	list, err := f.resolver.Resolve(context.Background(), f.snap, Request{
		Format: strider.FormatOpenAI,
		Model:  "omni-large",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(list.Candidates) != 3 {
		t.Errorf("candidates = %d, want 3 with batch size 1", len(list.Candidates))
	}
}
