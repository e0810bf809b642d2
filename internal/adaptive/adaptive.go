// Package adaptive tunes per-credential concurrency ceilings from observed
// utilization and upstream 429 signals. Only credentials without a fixed
// max_concurrent are tuned; fixed-cap credentials still feed the sample
// window so the reservation ratio can react to their load.
package adaptive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/striderhq/strider/internal/ratelimit"
	"github.com/striderhq/strider/internal/telemetry"
)

// Config holds the tuner parameters.
type Config struct {
	// Initial seeds the learned ceiling for credentials with no stored value.
	Initial int
	// Min and Max bound the learned ceiling.
	Min int
	Max int
	// IncreaseStep is added to the ceiling when an increase rule fires.
	IncreaseStep int
	// DecreaseMultiplier scales observed in-flight on a concurrency 429.
	DecreaseMultiplier float64
	// UnknownMultiplier scales the ceiling on an unclassifiable 429.
	UnknownMultiplier float64
	// UtilThreshold marks a sample as hot; UtilShare is the fraction of hot
	// samples required for a window increase.
	UtilThreshold float64
	UtilShare     float64
	// WindowMinSamples gates the window increase rule; WindowMaxSamples and
	// WindowAge bound the sliding window.
	WindowMinSamples int
	WindowMaxSamples int
	WindowAge        time.Duration
	// Cooldown freezes increases after any 429.
	Cooldown time.Duration
	// Probe rule: after ProbeInterval without a 429 and ProbeMinRequests
	// samples averaging at least ProbeMinAvgUtil, the ceiling is probed up.
	ProbeInterval    time.Duration
	ProbeMinRequests int
	ProbeMinAvgUtil  float64
	// HistorySize bounds the per-credential adjustment ring.
	HistorySize int
}

// DefaultConfig returns the standard tuner parameters.
func DefaultConfig() Config {
	return Config{
		Initial:            5,
		Min:                1,
		Max:                200,
		IncreaseStep:       1,
		DecreaseMultiplier: 0.7,
		UnknownMultiplier:  0.9,
		UtilThreshold:      0.7,
		UtilShare:          0.6,
		WindowMinSamples:   20,
		WindowMaxSamples:   200,
		WindowAge:          10 * time.Minute,
		Cooldown:           time.Minute,
		ProbeInterval:      30 * time.Minute,
		ProbeMinRequests:   100,
		ProbeMinAvgUtil:    0.3,
		HistorySize:        20,
	}
}

// Adjustment records one ceiling change for operator visibility.
type Adjustment struct {
	At     time.Time `json:"at"`
	From   int       `json:"from"`
	To     int       `json:"to"`
	Reason string    `json:"reason"`
}

// Adjustment reasons.
const (
	ReasonWindowIncrease = "window_increase"
	ReasonProbeIncrease  = "probe_increase"
	ReasonConcurrency429 = "concurrency_429"
	ReasonUnknown429     = "unknown_429"
)

type sample struct {
	at   time.Time
	util float64
}

// state is the per-credential tuner state. Access is serialized by mu so
// concurrent completions merge rather than race.
type state struct {
	mu             sync.Mutex
	ceiling        int
	samples        []sample
	last429        time.Time
	consecutive429 int
	history        []Adjustment
	lastUsed       time.Time
}

// State is a read-only snapshot of one credential's tuner state.
type State struct {
	Ceiling        int          `json:"ceiling"`
	WindowSize     int          `json:"window_size"`
	Consecutive429 int          `json:"consecutive_429"`
	Last429        *time.Time   `json:"last_429,omitempty"`
	History        []Adjustment `json:"history,omitempty"`
}

// Manager owns the tuner state for all credentials.
type Manager struct {
	cfg     Config
	metrics *telemetry.Metrics

	mu     sync.RWMutex
	states map[string]*state
}

// New creates a Manager. Zero or out-of-range config fields fall back to
// DefaultConfig values. metrics may be nil.
func New(cfg Config, metrics *telemetry.Metrics) *Manager {
	def := DefaultConfig()
	if cfg.Initial < 1 {
		cfg.Initial = def.Initial
	}
	if cfg.Min < 1 {
		cfg.Min = def.Min
	}
	if cfg.Max < cfg.Min {
		cfg.Max = def.Max
	}
	if cfg.IncreaseStep < 1 {
		cfg.IncreaseStep = def.IncreaseStep
	}
	if cfg.DecreaseMultiplier <= 0 || cfg.DecreaseMultiplier >= 1 {
		cfg.DecreaseMultiplier = def.DecreaseMultiplier
	}
	if cfg.UnknownMultiplier <= 0 || cfg.UnknownMultiplier >= 1 {
		cfg.UnknownMultiplier = def.UnknownMultiplier
	}
	if cfg.UtilThreshold <= 0 {
		cfg.UtilThreshold = def.UtilThreshold
	}
	if cfg.UtilShare <= 0 {
		cfg.UtilShare = def.UtilShare
	}
	if cfg.WindowMinSamples < 1 {
		cfg.WindowMinSamples = def.WindowMinSamples
	}
	if cfg.WindowMaxSamples < cfg.WindowMinSamples {
		cfg.WindowMaxSamples = def.WindowMaxSamples
	}
	if cfg.WindowAge <= 0 {
		cfg.WindowAge = def.WindowAge
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ProbeMinRequests < 1 {
		cfg.ProbeMinRequests = def.ProbeMinRequests
	}
	if cfg.ProbeMinAvgUtil <= 0 {
		cfg.ProbeMinAvgUtil = def.ProbeMinAvgUtil
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = def.HistorySize
	}
	return &Manager{cfg: cfg, metrics: metrics, states: make(map[string]*state)}
}

// get returns the state for credentialID, creating and seeding it if absent.
// seed <= 0 falls back to the configured initial ceiling.
func (m *Manager) get(credentialID string, seed int) *state {
	m.mu.RLock()
	st, ok := m.states[credentialID]
	m.mu.RUnlock()
	if ok {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[credentialID]; ok {
		return st
	}
	if seed <= 0 {
		seed = m.cfg.Initial
	}
	seed = min(max(seed, m.cfg.Min), m.cfg.Max)
	st = &state{ceiling: seed, lastUsed: time.Now()}
	m.states[credentialID] = st
	m.setGauge(credentialID, seed)
	return st
}

// Ceiling returns the live learned ceiling for a credential, seeding the
// state from the stored snapshot on first touch.
func (m *Manager) Ceiling(credentialID string, seed int) int {
	st := m.get(credentialID, seed)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastUsed = time.Now()
	return st.ceiling
}

// RecordCompletion feeds one successful completion into the sample window.
// inFlight is the observed in-flight count at completion, cap the cap that
// was enforced at dispatch. Tunable credentials evaluate the increase rules.
func (m *Manager) RecordCompletion(credentialID string, inFlight, cap int, tunable bool) {
	st := m.get(credentialID, 0)
	now := time.Now()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastUsed = now
	st.consecutive429 = 0

	denom := cap
	if tunable {
		denom = st.ceiling
	}
	if denom < 1 {
		denom = 1
	}
	st.samples = append(st.samples, sample{at: now, util: float64(inFlight) / float64(denom)})
	st.prune(now, m.cfg)

	if tunable {
		m.evaluateIncrease(credentialID, st, now)
	}
}

// Record429 reacts to a classified upstream 429. Only the concurrency kind
// rescales from observed in-flight; rpm/daily/monthly limits are not
// concurrency-shaped and leave the ceiling alone.
func (m *Manager) Record429(credentialID string, kind ratelimit.Kind, inFlight int, tunable bool) {
	st := m.get(credentialID, 0)
	now := time.Now()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastUsed = now
	st.last429 = now

	switch kind {
	case ratelimit.KindConcurrency:
		st.consecutive429++
		if !tunable {
			return
		}
		to := max(int(float64(inFlight)*m.cfg.DecreaseMultiplier), m.cfg.Min)
		// A 429 never raises the ceiling, even when the observed in-flight
		// count ran ahead of it.
		to = min(to, st.ceiling)
		m.adjust(credentialID, st, now, to, ReasonConcurrency429)
	case ratelimit.KindUnknown:
		if !tunable {
			return
		}
		to := max(int(float64(st.ceiling)*m.cfg.UnknownMultiplier), m.cfg.Min)
		m.adjust(credentialID, st, now, to, ReasonUnknown429)
	}
}

// ReservationRatio decides how much of the credential cap to hold back for
// cache-affine callers. Reservation engages only once the window shows real
// load; an idle credential reserving slots would just starve new callers.
func (m *Manager) ReservationRatio(credentialID string, cachingEnabled bool, base float64) float64 {
	if !cachingEnabled || base <= 0 {
		return 0
	}
	st := m.get(credentialID, 0)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.prune(time.Now(), m.cfg)
	if len(st.samples) == 0 || st.avgUtil() < m.cfg.ProbeMinAvgUtil {
		return 0
	}
	return base
}

// State returns a snapshot of one credential's tuner state.
func (m *Manager) State(credentialID string) (State, bool) {
	m.mu.RLock()
	st, ok := m.states[credentialID]
	m.mu.RUnlock()
	if !ok {
		return State{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := State{
		Ceiling:        st.ceiling,
		WindowSize:     len(st.samples),
		Consecutive429: st.consecutive429,
		History:        append([]Adjustment(nil), st.history...),
	}
	if !st.last429.IsZero() {
		t := st.last429
		out.Last429 = &t
	}
	return out, true
}

// Snapshot returns the ceilings for all credentials touched since the last
// sweep. The sync worker persists the ones that changed.
func (m *Manager) Snapshot() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.states))
	for id, st := range m.states {
		st.mu.Lock()
		out[id] = st.ceiling
		st.mu.Unlock()
	}
	return out
}

// EvictStale removes tuner state not touched since cutoff.
func (m *Manager) EvictStale(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, st := range m.states {
		st.mu.Lock()
		stale := st.lastUsed.Before(cutoff)
		st.mu.Unlock()
		if stale {
			delete(m.states, id)
			if m.metrics != nil {
				m.metrics.AdaptiveCeiling.DeleteLabelValues(id)
			}
			evicted++
		}
	}
	return evicted
}

// evaluateIncrease applies the window and probe rules. Callers hold st.mu.
func (m *Manager) evaluateIncrease(credentialID string, st *state, now time.Time) {
	if st.ceiling >= m.cfg.Max {
		return
	}
	n := len(st.samples)
	cooling := !st.last429.IsZero() && now.Sub(st.last429) < m.cfg.Cooldown

	if n >= m.cfg.WindowMinSamples && !cooling {
		hot := 0
		for _, s := range st.samples {
			if s.util >= m.cfg.UtilThreshold {
				hot++
			}
		}
		if float64(hot) >= m.cfg.UtilShare*float64(n) {
			m.adjust(credentialID, st, now, min(st.ceiling+m.cfg.IncreaseStep, m.cfg.Max), ReasonWindowIncrease)
			return
		}
	}

	quiet := st.last429.IsZero() || now.Sub(st.last429) >= m.cfg.ProbeInterval
	if quiet && n >= m.cfg.ProbeMinRequests && st.avgUtil() >= m.cfg.ProbeMinAvgUtil {
		m.adjust(credentialID, st, now, min(st.ceiling+m.cfg.IncreaseStep, m.cfg.Max), ReasonProbeIncrease)
	}
}

// adjust applies a ceiling change, clears the window (its samples were
// measured against the old denominator), and records history. Callers hold
// st.mu.
func (m *Manager) adjust(credentialID string, st *state, now time.Time, to int, reason string) {
	if to == st.ceiling {
		return
	}
	from := st.ceiling
	st.ceiling = to
	st.samples = st.samples[:0]

	st.history = append(st.history, Adjustment{At: now, From: from, To: to, Reason: reason})
	if len(st.history) > m.cfg.HistorySize {
		st.history = st.history[len(st.history)-m.cfg.HistorySize:]
	}

	m.setGauge(credentialID, to)
	slog.LogAttrs(context.Background(), slog.LevelInfo, "adaptive ceiling adjusted",
		slog.String("credential_id", credentialID),
		slog.Int("from", from),
		slog.Int("to", to),
		slog.String("reason", reason),
	)
}

func (m *Manager) setGauge(credentialID string, v int) {
	if m.metrics != nil {
		m.metrics.AdaptiveCeiling.WithLabelValues(credentialID).Set(float64(v))
	}
}

// prune drops samples older than the window age and enforces the size bound.
// Callers hold st.mu.
func (st *state) prune(now time.Time, cfg Config) {
	cutoff := now.Add(-cfg.WindowAge)
	i := 0
	for i < len(st.samples) && st.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		st.samples = append(st.samples[:0], st.samples[i:]...)
	}
	if len(st.samples) > cfg.WindowMaxSamples {
		st.samples = append(st.samples[:0], st.samples[len(st.samples)-cfg.WindowMaxSamples:]...)
	}
}

// avgUtil returns the mean utilization of the window. Callers hold st.mu.
func (st *state) avgUtil() float64 {
	if len(st.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range st.samples {
		sum += s.util
	}
	return sum / float64(len(st.samples))
}
