package worker

import (
	"context"
	"errors"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/striderhq/strider/internal/adaptive"
	"github.com/striderhq/strider/internal/ratelimit"
)

type fakeLimitStore struct {
	mu    sync.Mutex
	err   error
	saves []map[string]int
}

func (s *fakeLimitStore) SaveLearnedLimits(_ context.Context, ceilings map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves = append(s.saves, maps.Clone(ceilings))
	return nil
}

func (s *fakeLimitStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeLimitStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

func (s *fakeLimitStore) last() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saves) == 0 {
		return nil
	}
	return s.saves[len(s.saves)-1]
}

func waitSaves(t *testing.T, s *fakeLimitStore, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("store saw %d saves, want >= %d", s.count(), want)
}

func TestAdaptiveSync_FlushesOnShutdown(t *testing.T) {
	t.Parallel()
	tuner := adaptive.New(adaptive.DefaultConfig(), nil)
	tuner.Ceiling("k1", 12)
	store := &fakeLimitStore{}

	// Interval far beyond the test; only the shutdown flush can save.
	w := NewAdaptiveSync(tuner, store, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	if got := store.count(); got != 1 {
		t.Fatalf("saves = %d, want 1", got)
	}
	if got := store.last()["k1"]; got != 12 {
		t.Errorf("persisted ceiling = %d, want 12", got)
	}
}

func TestAdaptiveSync_PersistsOnlyDeltas(t *testing.T) {
	t.Parallel()
	tuner := adaptive.New(adaptive.DefaultConfig(), nil)
	tuner.Ceiling("k1", 12)
	store := &fakeLimitStore{}

	w := NewAdaptiveSync(tuner, store, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitSaves(t, store, 1)
	if got := store.last()["k1"]; got != 12 {
		t.Errorf("persisted ceiling = %d, want 12", got)
	}

	// Unchanged ceilings must not be rewritten on every tick.
	time.Sleep(50 * time.Millisecond)
	if got := store.count(); got != 1 {
		t.Errorf("saves after idle ticks = %d, want 1", got)
	}

	// A concurrency 429 drops the ceiling; only the changed entry flushes.
	tuner.Record429("k1", ratelimit.KindConcurrency, 10, true)
	waitSaves(t, store, 2)
	if got := store.last()["k1"]; got != 7 {
		t.Errorf("persisted ceiling after 429 = %d, want 7", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	// The shutdown flush has nothing new to write.
	if got := store.count(); got != 2 {
		t.Errorf("total saves = %d, want 2", got)
	}
}

func TestAdaptiveSync_RetriesAfterStoreError(t *testing.T) {
	t.Parallel()
	tuner := adaptive.New(adaptive.DefaultConfig(), nil)
	tuner.Ceiling("k1", 12)
	store := &fakeLimitStore{err: errors.New("db down")}

	w := NewAdaptiveSync(tuner, store, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Let a few failing flushes pass, then heal the store. The delta must
	// still be pending.
	time.Sleep(50 * time.Millisecond)
	store.setErr(nil)

	waitSaves(t, store, 1)
	if got := store.last()["k1"]; got != 12 {
		t.Errorf("persisted ceiling = %d, want 12", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
