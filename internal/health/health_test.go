package health

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		FailureWindow:    60 * time.Second,
		OpenTimeout:      30 * time.Second,
	}
}

func TestBreaker_ClosedByDefault(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig())
	if b.IsOpen() {
		t.Fatal("new breaker should be closed")
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensOnConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig())
	b.RecordFailure()
	b.RecordFailure()
	if b.IsOpen() {
		t.Fatal("breaker opened below threshold")
	}
	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatal("breaker should open at threshold")
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
}

func TestBreaker_SuccessResetsRun(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig())
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.IsOpen() {
		t.Fatal("run should have been reset by success")
	}
}

func TestBreaker_WindowExpiryResetsRun(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.FailureWindow = time.Millisecond
	b := NewBreaker(cfg)

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	// The run restarts: these two failures are 1 and 2 of a new run.
	b.RecordFailure()
	b.RecordFailure()
	if b.IsOpen() {
		t.Fatal("stale failures counted toward the run")
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OpenTimeout = time.Millisecond
	b := NewBreaker(cfg)

	for range cfg.FailureThreshold {
		b.RecordFailure()
	}
	if !b.IsOpen() {
		t.Fatal("breaker should be open")
	}

	time.Sleep(5 * time.Millisecond)

	// First caller after cooldown is the probe.
	if b.IsOpen() {
		t.Fatal("probe should be admitted after cooldown")
	}
	// Second caller is refused while the probe is in flight.
	if !b.IsOpen() {
		t.Fatal("second caller admitted during probe")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OpenTimeout = time.Millisecond
	b := NewBreaker(cfg)

	for range cfg.FailureThreshold {
		b.RecordFailure()
	}
	time.Sleep(5 * time.Millisecond)
	if b.IsOpen() {
		t.Fatal("probe should be admitted")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state after probe success = %v, want closed", b.State())
	}
	if b.IsOpen() {
		t.Fatal("breaker should admit after closing")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OpenTimeout = time.Millisecond
	b := NewBreaker(cfg)

	for range cfg.FailureThreshold {
		b.RecordFailure()
	}
	time.Sleep(5 * time.Millisecond)
	if b.IsOpen() {
		t.Fatal("probe should be admitted")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state after probe failure = %v, want open", b.State())
	}
	// A single failure after the next cooldown must not instantly reopen:
	// the run restarted.
	time.Sleep(5 * time.Millisecond)
	if b.IsOpen() {
		t.Fatal("probe should be admitted after second cooldown")
	}
}

func TestBreaker_AbandonedProbeReclaimed(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OpenTimeout = time.Millisecond
	b := NewBreaker(cfg)

	for range cfg.FailureThreshold {
		b.RecordFailure()
	}
	time.Sleep(5 * time.Millisecond)
	if b.IsOpen() {
		t.Fatal("probe should be admitted")
	}
	// Probe never resolves; after another cooldown a new probe is admitted.
	time.Sleep(5 * time.Millisecond)
	if b.IsOpen() {
		t.Fatal("abandoned probe slot was not reclaimed")
	}
}

func TestMonitor_ClientCausedKindsDoNotCount(t *testing.T) {
	t.Parallel()

	m := NewMonitor(testConfig())
	for range 10 {
		m.RecordFailure("cred-1", "client_request")
		m.RecordFailure("cred-1", "auth_invalid")
		m.RecordFailure("cred-1", "bad_request")
	}
	if m.IsOpen("cred-1") {
		t.Fatal("client-caused failures tripped the circuit")
	}

	for range 3 {
		m.RecordFailure("cred-1", "upstream_unavailable")
	}
	if !m.IsOpen("cred-1") {
		t.Fatal("upstream failures should trip the circuit")
	}
}

func TestMonitor_UnknownCredentialHealthy(t *testing.T) {
	t.Parallel()

	m := NewMonitor(testConfig())
	if m.IsOpen("never-seen") {
		t.Fatal("unknown credential reported open")
	}
	if m.State("never-seen") != StateClosed {
		t.Fatal("unknown credential state should be closed")
	}
}

func TestMonitor_PerCredentialIsolation(t *testing.T) {
	t.Parallel()

	m := NewMonitor(testConfig())
	for range 3 {
		m.RecordFailure("bad", "upstream_unavailable")
	}
	m.RecordSuccess("good", 20*time.Millisecond)

	if !m.IsOpen("bad") {
		t.Error("bad credential should be open")
	}
	if m.IsOpen("good") {
		t.Error("good credential should be closed")
	}
}

func TestMonitor_EvictStale(t *testing.T) {
	t.Parallel()

	m := NewMonitor(testConfig())
	m.RecordSuccess("old", 0)
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	m.RecordSuccess("fresh", 0)

	if n := m.EvictStale(cutoff); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	m.mu.RLock()
	_, oldThere := m.breakers["old"]
	_, freshThere := m.breakers["fresh"]
	m.mu.RUnlock()
	if oldThere {
		t.Error("stale breaker not evicted")
	}
	if !freshThere {
		t.Error("fresh breaker evicted")
	}
}
