package slots

import (
	"context"
	"sync"
	"time"
)

// Local is the in-process counter backend. One mutex covers the pair
// check-and-increment, which keeps the two-key operation atomic without
// lock ordering concerns.
type Local struct {
	mu   sync.Mutex
	held map[string]int
}

// NewLocal creates an empty local backend.
func NewLocal() *Local {
	return &Local{held: make(map[string]int)}
}

// TryAcquire implements Backend. The TTL is ignored: local counters die with
// the process, so crash leaks cannot outlive it.
func (l *Local) TryAcquire(_ context.Context, endpointKey string, endpointCap int, credentialKey string, credentialCap int, _ time.Duration) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.held[endpointKey]
	c := l.held[credentialKey]
	if endpointCap > 0 && e >= endpointCap {
		return false, c, nil
	}
	if credentialCap > 0 && c >= credentialCap {
		return false, c, nil
	}
	l.held[endpointKey] = e + 1
	l.held[credentialKey] = c + 1
	return true, c + 1, nil
}

// Release implements Backend.
func (l *Local) Release(_ context.Context, endpointKey, credentialKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range [...]string{endpointKey, credentialKey} {
		if v := l.held[k]; v > 1 {
			l.held[k] = v - 1
		} else {
			delete(l.held, k)
		}
	}
	return nil
}

// Held implements Backend.
func (l *Local) Held(_ context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key], nil
}
