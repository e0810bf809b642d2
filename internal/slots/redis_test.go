package slots

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	strider "github.com/striderhq/strider/internal"
)

func newRedisBackend(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client), mr
}

func TestRedis_AcquireRelease(t *testing.T) {
	t.Parallel()

	r, _ := newRedisBackend(t)
	ctx := context.Background()

	ok, inFlight, err := r.TryAcquire(ctx, "e", 0, "c", 2, time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquire = (%v, %v)", ok, err)
	}
	if inFlight != 1 {
		t.Errorf("inFlight = %d, want 1", inFlight)
	}

	ok, inFlight, err = r.TryAcquire(ctx, "e", 0, "c", 2, time.Minute)
	if err != nil || !ok {
		t.Fatalf("second TryAcquire = (%v, %v)", ok, err)
	}
	if inFlight != 2 {
		t.Errorf("inFlight = %d, want 2", inFlight)
	}

	// Cap reached.
	ok, _, err = r.TryAcquire(ctx, "e", 0, "c", 2, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("credential cap not enforced")
	}

	if err := r.Release(ctx, "e", "c"); err != nil {
		t.Fatal(err)
	}
	if n, _ := r.Held(ctx, "c"); n != 1 {
		t.Errorf("held after release = %d, want 1", n)
	}

	if err := r.Release(ctx, "e", "c"); err != nil {
		t.Fatal(err)
	}
	if n, _ := r.Held(ctx, "c"); n != 0 {
		t.Errorf("held = %d, want 0", n)
	}

	// Release below zero clamps.
	if err := r.Release(ctx, "e", "c"); err != nil {
		t.Fatal(err)
	}
	if n, _ := r.Held(ctx, "c"); n != 0 {
		t.Errorf("held after extra release = %d, want 0", n)
	}
}

func TestRedis_EndpointCapAcrossCredentials(t *testing.T) {
	t.Parallel()

	r, _ := newRedisBackend(t)
	ctx := context.Background()

	if ok, _, err := r.TryAcquire(ctx, "e", 1, "c1", 10, time.Minute); err != nil || !ok {
		t.Fatalf("first acquire = (%v, %v)", ok, err)
	}
	ok, _, err := r.TryAcquire(ctx, "e", 1, "c2", 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("endpoint cap not enforced across credentials")
	}
}

func TestRedis_CountersCarryTTL(t *testing.T) {
	t.Parallel()

	r, mr := newRedisBackend(t)
	ctx := context.Background()

	if ok, _, err := r.TryAcquire(ctx, "e", 0, "c", 5, 30*time.Second); err != nil || !ok {
		t.Fatalf("TryAcquire = (%v, %v)", ok, err)
	}
	if ttl := mr.TTL("c"); ttl <= 0 || ttl > 30*time.Second {
		t.Errorf("credential key TTL = %v, want (0, 30s]", ttl)
	}
	if ttl := mr.TTL("e"); ttl <= 0 || ttl > 30*time.Second {
		t.Errorf("endpoint key TTL = %v, want (0, 30s]", ttl)
	}

	// Crash simulation: TTL expiry frees the slot without a release.
	mr.FastForward(31 * time.Second)
	if ok, _, err := r.TryAcquire(ctx, "e", 0, "c", 1, 30*time.Second); err != nil || !ok {
		t.Fatalf("acquire after TTL expiry = (%v, %v)", ok, err)
	}
}

func TestManager_RedisBackendReservation(t *testing.T) {
	t.Parallel()

	r, _ := newRedisBackend(t)
	m := NewManager(r, Options{})
	ctx := context.Background()
	req := Request{EndpointID: "e1", CredentialID: "c1", CredentialCap: 10, ReservationRatio: 0.3}

	var held []*Slot
	for i := range 7 {
		s, err := m.TryAcquire(ctx, req)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		held = append(held, s)
	}
	if _, err := m.TryAcquire(ctx, req); !errors.Is(err, strider.ErrConcurrencyLimit) {
		t.Fatalf("8th non-cached: err = %v, want ErrConcurrencyLimit", err)
	}
	cached := req
	cached.Cached = true
	s, err := m.TryAcquire(ctx, cached)
	if err != nil {
		t.Fatalf("cached under pressure: %v", err)
	}
	held = append(held, s)

	for _, s := range held {
		s.Release(ctx)
	}
	if n := m.Held(ctx, "c1"); n != 0 {
		t.Errorf("held = %d, want 0", n)
	}
}

func TestManager_RedisDownDegradesToLocal(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	m := NewManager(NewRedis(client), Options{FailPolicy: FailOpen})
	ctx := context.Background()

	mr.Close() // backend goes away

	req := Request{EndpointID: "e", CredentialID: "c", CredentialCap: 4}
	s, err := m.TryAcquire(ctx, req)
	if err != nil {
		t.Fatalf("degraded acquire: %v", err)
	}
	if !s.Degraded {
		t.Error("slot not marked degraded")
	}
	// Half of 4 = 2 slots locally.
	s2, err := m.TryAcquire(ctx, req)
	if err != nil {
		t.Fatalf("second degraded acquire: %v", err)
	}
	if _, err := m.TryAcquire(ctx, req); !errors.Is(err, strider.ErrConcurrencyLimit) {
		t.Fatalf("third degraded acquire: err = %v, want ErrConcurrencyLimit", err)
	}
	s.Release(ctx)
	s2.Release(ctx)
}
