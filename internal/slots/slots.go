// Package slots implements two-class slot admission against per-endpoint
// and per-credential caps. Cache-affine callers may use the full credential
// cap; new callers are held below it by the reservation ratio, keeping warm
// prompt-cache slots available for the traffic that benefits from them.
//
// Counters live in a Backend: Redis (atomic Lua check-and-increment with a
// TTL against crash leaks) for multi-process deployments, or an in-process
// map. When Redis is configured but unreachable the manager degrades to
// local counters at half the caps, or refuses outright under the "closed"
// fail policy.
package slots

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/telemetry"
)

// Backend stores slot counters. Implementations must make the two-key
// check-and-increment atomic.
type Backend interface {
	// TryAcquire checks both caps and increments both counters when neither
	// would be exceeded. A cap <= 0 is unlimited. It returns whether the
	// slot was granted and the credential's in-flight count after the call.
	// A non-nil error means the backend itself is unavailable.
	TryAcquire(ctx context.Context, endpointKey string, endpointCap int, credentialKey string, credentialCap int, ttl time.Duration) (ok bool, inFlight int, err error)
	// Release decrements both counters, never below zero.
	Release(ctx context.Context, endpointKey, credentialKey string) error
	// Held returns the current counter value for a key.
	Held(ctx context.Context, key string) (int, error)
}

// FailPolicy decides what happens when the distributed backend is down.
type FailPolicy string

const (
	// FailOpen degrades to local counters at half the caps.
	FailOpen FailPolicy = "open"
	// FailClosed refuses all slots until the backend recovers.
	FailClosed FailPolicy = "closed"
)

// Options tunes the manager.
type Options struct {
	SlotTTL      time.Duration
	FailPolicy   FailPolicy
	LongHoldWarn time.Duration
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
}

func (o *Options) defaults() {
	if o.SlotTTL <= 0 {
		o.SlotTTL = 5 * time.Minute
	}
	if o.FailPolicy == "" {
		o.FailPolicy = FailOpen
	}
	if o.LongHoldWarn <= 0 {
		o.LongHoldWarn = 60 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Manager grants and releases slots.
type Manager struct {
	backend  Backend
	fallback *Local // engaged when backend errors; nil when backend is Local
	opts     Options
}

// NewManager creates a manager over the given backend. When the backend is
// remote, a local fallback is kept ready for degraded operation.
func NewManager(backend Backend, opts Options) *Manager {
	opts.defaults()
	m := &Manager{backend: backend, opts: opts}
	if _, isLocal := backend.(*Local); !isLocal {
		m.fallback = NewLocal()
	}
	return m
}

// Request describes one acquisition.
type Request struct {
	EndpointID    string
	EndpointCap   int // 0 = unlimited
	CredentialID  string
	CredentialCap int // must be >= 1
	// Cached marks a cache-affine caller admitted up to the full cap.
	Cached bool
	// ReservationRatio is the cap share reserved for cached callers.
	ReservationRatio float64
}

func endpointKey(id string) string   { return "strider:slots:endpoint:" + id }
func credentialKey(id string) string { return "strider:slots:credential:" + id }

// classCap applies the two-class adjustment: non-cached callers only see
// floor(cap * (1 - ratio)) of the credential cap.
func classCap(cap int, cached bool, ratio float64) int {
	if cached || ratio <= 0 {
		return cap
	}
	return int(float64(cap) * (1 - ratio))
}

// halved is the degraded-mode cap: half, but never below one so a lone
// in-flight request stays possible. Unlimited (0) stays unlimited.
func halved(cap int) int {
	if cap <= 0 {
		return cap
	}
	if h := cap / 2; h >= 1 {
		return h
	}
	return 1
}

// TryAcquire attempts to take one slot for the request. On refusal it
// returns strider.ErrConcurrencyLimit; every granted slot must be released.
func (m *Manager) TryAcquire(ctx context.Context, req Request) (*Slot, error) {
	if req.CredentialCap < 1 {
		return nil, fmt.Errorf("credential %s: cap %d invalid", req.CredentialID, req.CredentialCap)
	}
	credCap := classCap(req.CredentialCap, req.Cached, req.ReservationRatio)
	if credCap < 1 && !req.Cached {
		// The whole cap is reserved; new callers cannot enter.
		return nil, fmt.Errorf("%w: credential %s reserved for cached callers", strider.ErrConcurrencyLimit, req.CredentialID)
	}

	ekey, ckey := endpointKey(req.EndpointID), credentialKey(req.CredentialID)

	ok, inFlight, err := m.backend.TryAcquire(ctx, ekey, req.EndpointCap, ckey, credCap, m.opts.SlotTTL)
	backend := m.backend
	degraded := false
	if err != nil {
		if m.fallback == nil || m.opts.FailPolicy == FailClosed {
			return nil, fmt.Errorf("%w: slot backend unavailable: %v", strider.ErrConcurrencyLimit, err)
		}
		m.opts.Logger.LogAttrs(ctx, slog.LevelWarn, "slot backend unavailable, degrading to local counters",
			slog.String("credential_id", req.CredentialID),
			slog.String("error", err.Error()),
		)
		backend = m.fallback
		degraded = true
		ok, inFlight, err = m.fallback.TryAcquire(ctx, ekey, halved(req.EndpointCap), ckey, halved(credCap), m.opts.SlotTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", strider.ErrConcurrencyLimit, err)
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: credential %s at capacity", strider.ErrConcurrencyLimit, req.CredentialID)
	}

	if mtr := m.opts.Metrics; mtr != nil {
		mtr.SlotsHeld.WithLabelValues(req.CredentialID).Inc()
	}
	return &Slot{
		mgr:          m,
		backend:      backend,
		endpointKey:  ekey,
		credKey:      ckey,
		credentialID: req.CredentialID,
		InFlight:     inFlight,
		Degraded:     degraded,
		acquiredAt:   time.Now(),
	}, nil
}

// Held reports the credential's current in-flight count, best effort.
func (m *Manager) Held(ctx context.Context, credentialID string) int {
	n, err := m.backend.Held(ctx, credentialKey(credentialID))
	if err != nil && m.fallback != nil {
		n, _ = m.fallback.Held(ctx, credentialKey(credentialID))
	}
	return n
}

// Slot is one granted unit of concurrency.
type Slot struct {
	mgr          *Manager
	backend      Backend
	endpointKey  string
	credKey      string
	credentialID string
	// InFlight is the credential's holder count right after this acquire,
	// fed to the adaptive tuner when the attempt hits a 429.
	InFlight int
	// Degraded marks a slot granted by the local fallback.
	Degraded   bool
	acquiredAt time.Time
	failed     atomic.Bool
	released   atomic.Bool
}

// Fail marks the attempt as error-terminated for release accounting.
func (s *Slot) Fail() { s.failed.Store(true) }

// Release returns the slot. Safe to call more than once; only the first call
// decrements. Release never inherits request cancellation: the decrement
// must happen on every exit path.
func (s *Slot) Release(ctx context.Context) {
	if s.released.Swap(true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	held := time.Since(s.acquiredAt)
	if err := s.backend.Release(ctx, s.endpointKey, s.credKey); err != nil {
		s.mgr.opts.Logger.LogAttrs(ctx, slog.LevelError, "slot release failed",
			slog.String("credential_id", s.credentialID),
			slog.String("error", err.Error()),
		)
	}
	if held >= s.mgr.opts.LongHoldWarn {
		s.mgr.opts.Logger.LogAttrs(ctx, slog.LevelWarn, "slot held unusually long",
			slog.String("credential_id", s.credentialID),
			slog.Duration("held", held),
		)
	}
	if mtr := s.mgr.opts.Metrics; mtr != nil {
		mtr.SlotsHeld.WithLabelValues(s.credentialID).Dec()
		mtr.SlotHoldSeconds.Observe(held.Seconds())
		outcome := "ok"
		if s.failed.Load() {
			outcome = "error"
		}
		mtr.SlotReleases.WithLabelValues(outcome).Inc()
	}
}
