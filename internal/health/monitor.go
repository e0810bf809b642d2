package health

import (
	"sync"
	"time"
)

// Client-caused failures never count toward a credential's failure run: the
// credential is fine, the request was not.
var clientCaused = map[string]struct{}{
	"auth_invalid":      {},
	"bad_request":       {},
	"client_request":    {},
	"model_unsupported": {},
	"quota_exceeded":    {},
}

// Monitor manages per-credential breakers.
type Monitor struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewMonitor creates a monitor with the given breaker config.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// get returns the breaker for credentialID, creating one if needed.
// Uses double-check locking to minimize write-lock contention.
func (m *Monitor) get(credentialID string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[credentialID]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[credentialID]; ok {
		return b
	}
	b = NewBreaker(m.cfg)
	m.breakers[credentialID] = b
	return b
}

// IsOpen reports whether the credential must be excluded from candidates.
// A credential never seen before is healthy.
func (m *Monitor) IsOpen(credentialID string) bool {
	m.mu.RLock()
	b, ok := m.breakers[credentialID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return b.IsOpen()
}

// State returns the credential's circuit state.
func (m *Monitor) State(credentialID string) State {
	m.mu.RLock()
	b, ok := m.breakers[credentialID]
	m.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}

// RecordSuccess clears the credential's failure run.
func (m *Monitor) RecordSuccess(credentialID string, latency time.Duration) {
	_ = latency // reported via telemetry by the orchestrator
	m.get(credentialID).RecordSuccess()
}

// RecordFailure extends the credential's failure run unless the error kind
// is client-caused.
func (m *Monitor) RecordFailure(credentialID, errorKind string) {
	if _, ok := clientCaused[errorKind]; ok {
		return
	}
	m.get(credentialID).RecordFailure()
}

// EvictStale removes breakers not used since cutoff.
// Phase 1: RLock to snapshot stale keys. Phase 2: Lock to delete them.
func (m *Monitor) EvictStale(cutoff time.Time) int {
	m.mu.RLock()
	var staleKeys []string
	for k, b := range m.breakers {
		if b.LastUsed().Before(cutoff) {
			staleKeys = append(staleKeys, k)
		}
	}
	m.mu.RUnlock()

	if len(staleKeys) == 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for _, k := range staleKeys {
		if b, ok := m.breakers[k]; ok {
			if b.LastUsed().Before(cutoff) {
				delete(m.breakers, k)
				evicted++
			}
		}
	}
	return evicted
}
