// Package ratelimit implements the two rate-limit surfaces of the gateway:
// per-caller RPM/TPM gating with lazy-refill token buckets, and
// classification of upstream 429 responses into actionable kinds.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Limits holds the effective RPM and TPM limits for a caller key.
// A value of 0 means unlimited.
type Limits struct {
	RPM int64
	TPM int64
}

// Result is the outcome of a limiter check.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter float64 // seconds until enough tokens are available
}

// RetryAfterSeconds returns the Retry-After header value, rounded up
// so clients never retry before tokens are actually available.
func (r Result) RetryAfterSeconds() int {
	if r.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(r.RetryAfter))
}

// bucket is a token bucket with lazy refill (no background goroutine).
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(limit int64) *bucket {
	return &bucket{
		tokens:   float64(limit),
		max:      float64(limit),
		rate:     float64(limit) / 60.0, // per-minute limit -> per-second rate
		lastFill: time.Now(),
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

func (b *bucket) tryConsume(n float64, now time.Time) (remaining int64, allowed bool) {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return int64(b.tokens), true
	}
	return 0, false
}

// retryAfter returns seconds until n tokens are available.
func (b *bucket) retryAfter(n float64) float64 {
	if b.tokens >= n {
		return 0
	}
	return (n - b.tokens) / b.rate
}

// credit adds tokens back, clamped to [0, max].
func (b *bucket) credit(delta float64) {
	b.tokens = min(b.max, max(0, b.tokens+delta))
}

// Limiter holds the RPM and TPM buckets for a single caller key.
type Limiter struct {
	mu       sync.Mutex
	rpm      *bucket // nil if RPM unlimited
	tpm      *bucket // nil if TPM unlimited
	limits   Limits
	lastUsed time.Time
}

func newLimiter(limits Limits) *Limiter {
	l := &Limiter{limits: limits, lastUsed: time.Now()}
	if limits.RPM > 0 {
		l.rpm = newBucket(limits.RPM)
	}
	if limits.TPM > 0 {
		l.tpm = newBucket(limits.TPM)
	}
	return l
}

// AllowRequest consumes one RPM token. Called by the rate-limit middleware
// before any candidate work happens.
func (l *Limiter) AllowRequest() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	if l.rpm == nil {
		return Result{Allowed: true}
	}

	remaining, ok := l.rpm.tryConsume(1, now)
	if ok {
		return Result{Allowed: true, Limit: l.limits.RPM, Remaining: remaining}
	}
	return Result{
		Allowed:    false,
		Limit:      l.limits.RPM,
		RetryAfter: l.rpm.retryAfter(1),
	}
}

// ReserveTokens consumes the estimated token cost from the TPM bucket.
// The estimate is reconciled against actual usage after the response.
func (l *Limiter) ReserveTokens(estimated int64) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	if l.tpm == nil || estimated <= 0 {
		return Result{Allowed: true}
	}

	remaining, ok := l.tpm.tryConsume(float64(estimated), now)
	if ok {
		return Result{Allowed: true, Limit: l.limits.TPM, Remaining: remaining}
	}
	return Result{
		Allowed:    false,
		Limit:      l.limits.TPM,
		RetryAfter: l.tpm.retryAfter(float64(estimated)),
	}
}

// ReconcileTokens settles the reservation once actual usage is known.
// Over-estimates are refunded; under-estimates consume the difference.
func (l *Limiter) ReconcileTokens(estimated, actual int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tpm != nil {
		l.tpm.credit(float64(estimated - actual))
	}
}

// Registry manages per-key Limiters.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry creates an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// GetOrCreate returns the limiter for keyID, creating one if needed.
// If the key's limits have changed, a fresh limiter replaces the old one.
func (r *Registry) GetOrCreate(keyID string, limits Limits) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[keyID]
	r.mu.RUnlock()
	if ok && l.limits == limits {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if l, ok := r.limiters[keyID]; ok && l.limits == limits {
		return l
	}
	l = newLimiter(limits)
	r.limiters[keyID] = l
	return l
}

// EvictStale removes limiters not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}
