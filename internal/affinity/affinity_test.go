package affinity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	strider "github.com/striderhq/strider/internal"
)

var testKey = Key{CallerID: "key-1", Format: strider.FormatOpenAI, ModelID: "gm-1"}

func TestKeyString(t *testing.T) {
	t.Parallel()
	got := testKey.String()
	want := "key-1|openai|gm-1"
	if got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func TestEntryEncodeDecode(t *testing.T) {
	t.Parallel()
	e := Entry{EndpointID: "ep-1", CredentialID: "cr-1"}
	got, ok := decodeEntry(e.encode())
	if !ok || got != e {
		t.Errorf("decode(encode) = (%+v, %v), want (%+v, true)", got, ok, e)
	}

	if _, ok := decodeEntry("garbage"); ok {
		t.Error("decode of value without separator should fail")
	}
	if _, ok := decodeEntry("|cr-1"); ok {
		t.Error("decode with empty endpoint should fail")
	}
}

// storeTest exercises the Store contract against any implementation.
func storeTest(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	e1 := Entry{EndpointID: "ep-1", CredentialID: "cr-1"}
	e2 := Entry{EndpointID: "ep-2", CredentialID: "cr-2"}

	// Miss before set.
	if _, ok, err := s.Get(ctx, testKey); err != nil || ok {
		t.Fatalf("Get before set = (%v, %v), want miss", ok, err)
	}

	// Set then hit.
	if err := s.Set(ctx, testKey, e1, time.Minute); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Get(ctx, testKey)
	if err != nil || !ok {
		t.Fatalf("Get after set = (%v, %v), want hit", ok, err)
	}
	if got != e1 {
		t.Errorf("entry = %+v, want %+v", got, e1)
	}

	// Invalidate with a different entry leaves the binding alone.
	if err := s.Invalidate(ctx, testKey, e2); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, testKey); !ok {
		t.Error("mismatched invalidate must not remove the binding")
	}

	// Invalidate with the exact entry removes it.
	if err := s.Invalidate(ctx, testKey, e1); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, testKey); ok {
		t.Error("exact invalidate should remove the binding")
	}

	// Zero TTL means the credential does not cache: nothing stored.
	if err := s.Set(ctx, testKey, e1, 0); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, testKey); ok {
		t.Error("zero-ttl set should store nothing")
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100)
	if err != nil {
		t.Fatal(err)
	}
	storeTest(t, m)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	e := Entry{EndpointID: "ep-1", CredentialID: "cr-1"}

	if err := m.Set(ctx, testKey, e, 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok, _ := m.Get(ctx, testKey); ok {
		t.Error("entry should expire after its ttl")
	}
}

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client), mr
}

func TestRedisStore(t *testing.T) {
	t.Parallel()
	s, _ := newRedisStore(t)
	storeTest(t, s)
}

func TestRedisStore_TTL(t *testing.T) {
	t.Parallel()
	s, mr := newRedisStore(t)
	ctx := context.Background()
	e := Entry{EndpointID: "ep-1", CredentialID: "cr-1"}

	if err := s.Set(ctx, testKey, e, time.Minute); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL(redisKeyPrefix + testKey.String()); ttl != time.Minute {
		t.Errorf("redis ttl = %v, want 1m", ttl)
	}

	mr.FastForward(61 * time.Second)
	if _, ok, _ := s.Get(ctx, testKey); ok {
		t.Error("entry should expire after its ttl")
	}
}

func TestRedisStore_DropsUnparseable(t *testing.T) {
	t.Parallel()
	s, mr := newRedisStore(t)
	ctx := context.Background()

	if err := mr.Set(redisKeyPrefix+testKey.String(), "not-a-binding"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.Get(ctx, testKey); err != nil || ok {
		t.Errorf("Get = (%v, %v), want clean miss", ok, err)
	}
	if mr.Exists(redisKeyPrefix + testKey.String()) {
		t.Error("unparseable binding should be deleted")
	}
}
