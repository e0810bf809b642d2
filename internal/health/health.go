// Package health tracks per-credential failure runs with a three-state
// circuit: closed, open, half-open. Open credentials are excluded from
// candidate lists, turning failover from a timeout wait into a map lookup.
package health

import (
	"sync"
	"time"
)

// State represents the circuit state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen excludes the credential until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits a single probe request.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker parameters.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the circuit.
	FailureThreshold int
	// FailureWindow bounds the age of a failure run; a run whose first
	// failure is older restarts at one.
	FailureWindow time.Duration
	// OpenTimeout is the cooldown before an open circuit admits a probe.
	OpenTimeout time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker is the per-credential circuit state machine.
type Breaker struct {
	mu          sync.Mutex
	state       State
	consecutive int
	firstFailAt time.Time
	openedAt    time.Time
	lastUsed    time.Time // for stale eviction
	probing     bool      // half-open probe in flight
	probeAt     time.Time
	cfg         Config
}

// NewBreaker creates a closed breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{state: StateClosed, cfg: cfg, lastUsed: time.Now()}
}

// State returns the current state, applying the lazy open -> half-open
// transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.step(time.Now())
	return b.state
}

// IsOpen reports whether the credential must be skipped. When the cooldown
// has elapsed it admits exactly one caller as the half-open probe: that
// caller sees false, everyone else true until the probe resolves. A probe
// abandoned without a recorded outcome expires after another cooldown.
func (b *Breaker) IsOpen() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.step(now)

	switch b.state {
	case StateClosed:
		return false
	case StateOpen:
		return true
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			b.probeAt = now
			return false
		}
		return true
	}
	return false
}

// step applies time-based transitions: open cooldown expiry and stale-probe
// reclamation. Callers must hold b.mu.
func (b *Breaker) step(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = StateHalfOpen
		b.probing = false
	}
	if b.state == StateHalfOpen && b.probing && now.Sub(b.probeAt) >= b.cfg.OpenTimeout {
		b.probing = false
	}
}

// RecordSuccess clears the failure run; a successful half-open probe closes
// the circuit.
func (b *Breaker) RecordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.step(now)
	b.consecutive = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
	}
}

// RecordFailure extends the failure run and trips the circuit when the run
// reaches the threshold inside the window. A failed half-open probe reopens
// immediately.
func (b *Breaker) RecordFailure() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.step(now)

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
		b.consecutive = 0
		return
	}

	if b.consecutive == 0 || now.Sub(b.firstFailAt) > b.cfg.FailureWindow {
		b.consecutive = 0
		b.firstFailAt = now
	}
	b.consecutive++
	if b.state == StateClosed && b.consecutive >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.openedAt = now
		b.consecutive = 0
	}
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}
