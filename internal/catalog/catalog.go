// Package catalog holds the in-memory index over the provider/model catalog.
// Records are immutable values keyed by opaque id; relationships are id
// fields resolved through lookup maps rebuilt from the store. A request
// works against one Snapshot for its whole lifetime, so candidate ordering
// stays deterministic even while the reload worker swaps in fresh state.
package catalog

import (
	"sort"
	"sync/atomic"

	strider "github.com/striderhq/strider/internal"
)

// Data is the raw record set loaded from the store.
type Data struct {
	Providers    []strider.Provider
	Endpoints    []strider.Endpoint
	Credentials  []strider.Credential
	GlobalModels []strider.GlobalModel
	Mappings     []strider.ModelMapping
	Impls        []strider.ModelImpl
}

// Snapshot is an immutable view of the catalog. All derived lists are
// pre-filtered to active records and pre-sorted for stable iteration.
type Snapshot struct {
	providers    map[string]*strider.Provider
	endpoints    map[string]*strider.Endpoint
	credentials  map[string]*strider.Credential
	globalModels map[string]*strider.GlobalModel
	globalByName map[string]*strider.GlobalModel

	providerList []*strider.Provider                // active, by (priority, id)
	endpointsOf  map[string][]*strider.Endpoint     // active, by provider id
	credsOf      map[string][]*strider.Credential   // active, by endpoint id, by (priority, id)
	mappingsOf   map[string][]*strider.ModelMapping // active, by source name
	implsOf      map[string][]*strider.ModelImpl    // active, by global model id
	implBy       map[implKey]*strider.ModelImpl     // active, by (provider, global)
	modelList    []*strider.GlobalModel             // active, by name
}

type implKey struct{ providerID, globalModelID string }

// NewSnapshot builds an immutable snapshot from raw records.
func NewSnapshot(d Data) *Snapshot {
	s := &Snapshot{
		providers:    make(map[string]*strider.Provider, len(d.Providers)),
		endpoints:    make(map[string]*strider.Endpoint, len(d.Endpoints)),
		credentials:  make(map[string]*strider.Credential, len(d.Credentials)),
		globalModels: make(map[string]*strider.GlobalModel, len(d.GlobalModels)),
		globalByName: make(map[string]*strider.GlobalModel, len(d.GlobalModels)),
		endpointsOf:  make(map[string][]*strider.Endpoint),
		credsOf:      make(map[string][]*strider.Credential),
		mappingsOf:   make(map[string][]*strider.ModelMapping),
		implsOf:      make(map[string][]*strider.ModelImpl),
		implBy:       make(map[implKey]*strider.ModelImpl),
	}

	for i := range d.Providers {
		p := &d.Providers[i]
		s.providers[p.ID] = p
		if p.Active {
			s.providerList = append(s.providerList, p)
		}
	}
	sort.Slice(s.providerList, func(i, j int) bool {
		a, b := s.providerList[i], s.providerList[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})

	for i := range d.Endpoints {
		e := &d.Endpoints[i]
		s.endpoints[e.ID] = e
		if e.Active {
			s.endpointsOf[e.ProviderID] = append(s.endpointsOf[e.ProviderID], e)
		}
	}
	for _, eps := range s.endpointsOf {
		sort.Slice(eps, func(i, j int) bool { return eps[i].ID < eps[j].ID })
	}

	for i := range d.Credentials {
		c := &d.Credentials[i]
		s.credentials[c.ID] = c
		if c.Active {
			s.credsOf[c.EndpointID] = append(s.credsOf[c.EndpointID], c)
		}
	}
	for _, creds := range s.credsOf {
		sort.Slice(creds, func(i, j int) bool {
			if creds[i].Priority != creds[j].Priority {
				return creds[i].Priority < creds[j].Priority
			}
			return creds[i].ID < creds[j].ID
		})
	}

	for i := range d.GlobalModels {
		g := &d.GlobalModels[i]
		s.globalModels[g.ID] = g
		if g.Active {
			s.globalByName[g.Name] = g
			s.modelList = append(s.modelList, g)
		}
	}
	sort.Slice(s.modelList, func(i, j int) bool { return s.modelList[i].Name < s.modelList[j].Name })

	for i := range d.Mappings {
		m := &d.Mappings[i]
		if m.Active {
			s.mappingsOf[m.SourceName] = append(s.mappingsOf[m.SourceName], m)
		}
	}

	for i := range d.Impls {
		im := &d.Impls[i]
		if !im.Active {
			continue
		}
		s.implsOf[im.GlobalModelID] = append(s.implsOf[im.GlobalModelID], im)
		s.implBy[implKey{im.ProviderID, im.GlobalModelID}] = im
	}

	return s
}

// Provider returns the record for id, or nil.
func (s *Snapshot) Provider(id string) *strider.Provider { return s.providers[id] }

// Endpoint returns the record for id, or nil.
func (s *Snapshot) Endpoint(id string) *strider.Endpoint { return s.endpoints[id] }

// Credential returns the record for id, or nil.
func (s *Snapshot) Credential(id string) *strider.Credential { return s.credentials[id] }

// GlobalModel returns the record for id, or nil.
func (s *Snapshot) GlobalModel(id string) *strider.GlobalModel { return s.globalModels[id] }

// GlobalModelByName returns the active model with the given canonical name, or nil.
func (s *Snapshot) GlobalModelByName(name string) *strider.GlobalModel { return s.globalByName[name] }

// Providers returns active providers ordered by (priority, id).
func (s *Snapshot) Providers() []*strider.Provider { return s.providerList }

// EndpointsOf returns the active endpoints of a provider.
func (s *Snapshot) EndpointsOf(providerID string) []*strider.Endpoint {
	return s.endpointsOf[providerID]
}

// CredentialsOf returns the active credentials of an endpoint ordered by
// (priority, id).
func (s *Snapshot) CredentialsOf(endpointID string) []*strider.Credential {
	return s.credsOf[endpointID]
}

// Mapping returns the active rewrite rule for (source, scope, kind), or nil.
// Scope must match exactly; pass "" for global rules.
func (s *Snapshot) Mapping(source, providerID string, kind strider.MappingKind) *strider.ModelMapping {
	for _, m := range s.mappingsOf[source] {
		if m.ProviderID == providerID && m.Kind == kind {
			return m
		}
	}
	return nil
}

// Impl returns the active implementation of a global model on a provider, or nil.
func (s *Snapshot) Impl(providerID, globalModelID string) *strider.ModelImpl {
	return s.implBy[implKey{providerID, globalModelID}]
}

// ImplsFor returns all active implementations of a global model.
func (s *Snapshot) ImplsFor(globalModelID string) []*strider.ModelImpl {
	return s.implsOf[globalModelID]
}

// Models returns active global models ordered by name.
func (s *Snapshot) Models() []*strider.GlobalModel { return s.modelList }

// ModelNames returns the canonical names of active models, for similarity
// scoring and listings.
func (s *Snapshot) ModelNames() []string {
	names := make([]string, len(s.modelList))
	for i, m := range s.modelList {
		names[i] = m.Name
	}
	return names
}

// Index hands out the current snapshot and accepts replacements from the
// reload worker. Readers pin a snapshot once per request.
type Index struct {
	current atomic.Pointer[Snapshot]
}

// NewIndex creates an index serving the given initial snapshot.
func NewIndex(s *Snapshot) *Index {
	idx := &Index{}
	idx.current.Store(s)
	return idx
}

// Load returns the current snapshot.
func (i *Index) Load() *Snapshot { return i.current.Load() }

// Swap publishes a new snapshot.
func (i *Index) Swap(s *Snapshot) { i.current.Store(s) }
