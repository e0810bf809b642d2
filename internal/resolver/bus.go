package resolver

import "sync"

// EventKind identifies which catalog entity an invalidation event concerns.
type EventKind int

const (
	// EventGlobalModel signals a GlobalModel mutation; Name carries the
	// canonical model name.
	EventGlobalModel EventKind = iota
	// EventMapping signals a ModelMapping mutation; Source carries the
	// rewritten name, ProviderID its scope ("" = global).
	EventMapping
	// EventModel signals a per-provider Model mutation.
	EventModel
	// EventReset requests a full cache clear (unknown scope).
	EventReset
)

// Event is one catalog invalidation signal.
type Event struct {
	Kind          EventKind
	Name          string
	Source        string
	ProviderID    string
	GlobalModelID string
}

// Bus is the local publish/invalidate channel between the admin-facing side
// of the catalog and the resolver cache. Delivery is synchronous; admin
// mutations are rare.
type Bus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

// NewBus creates an empty bus.
func NewBus() *Bus { return &Bus{} }

// Subscribe registers a handler for all future events.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish delivers the event to every subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
