package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/rs/dnscache"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/config"
)

func upstreamConfig() config.UpstreamConfig {
	return config.UpstreamConfig{
		ConnectTimeout: 10 * time.Second,
		DefaultTimeout: 2 * time.Minute,
		IdleConnTTL:    90 * time.Second,
		MaxIdleConns:   100,
	}
}

func TestNewTransport(t *testing.T) {
	t.Parallel()

	tr := NewTransport(upstreamConfig(), nil)

	if tr.MaxIdleConnsPerHost != 100 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 100", tr.MaxIdleConnsPerHost)
	}
	if tr.MaxConnsPerHost != 200 {
		t.Errorf("MaxConnsPerHost = %d, want 200", tr.MaxConnsPerHost)
	}
	if tr.IdleConnTimeout != 90*time.Second {
		t.Errorf("IdleConnTimeout = %v, want 90s", tr.IdleConnTimeout)
	}
	if tr.TLSHandshakeTimeout != 5*time.Second {
		t.Errorf("TLSHandshakeTimeout = %v, want 5s", tr.TLSHandshakeTimeout)
	}
	if !tr.ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should be true")
	}
	if tr.DialContext == nil {
		t.Error("DialContext should be set for the connect timeout")
	}
}

func TestNewTransportWithResolver(t *testing.T) {
	t.Parallel()

	resolver := &dnscache.Resolver{}
	tr := NewTransport(upstreamConfig(), resolver)
	if tr.DialContext == nil {
		t.Error("DialContext should be set when resolver is non-nil")
	}
}

func TestClientsCachePerEndpoint(t *testing.T) {
	t.Parallel()

	clients := NewClients(upstreamConfig(), nil)
	ep := testEndpoint(strider.FormatOpenAI)

	c1, err := clients.For(context.Background(), ep)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	c2, err := clients.For(context.Background(), ep)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if c1 != c2 {
		t.Error("same endpoint should reuse the cached client")
	}
	if c1.Transport != clients.base {
		t.Error("api_key endpoint should use the base transport unchanged")
	}
	if c1.Timeout != 0 {
		t.Errorf("client Timeout = %v, want 0 (deadlines come from context)", c1.Timeout)
	}
}

func TestClientsKeyedByAuthFields(t *testing.T) {
	t.Parallel()

	clients := NewClients(upstreamConfig(), nil)
	ep := testEndpoint(strider.FormatOpenAI)

	c1, err := clients.For(context.Background(), ep)
	if err != nil {
		t.Fatalf("For: %v", err)
	}

	// A reloaded definition with different auth fields must not reuse the
	// old client.
	ep2 := *ep
	ep2.AuthMode = strider.AuthAPIKey
	c2, err := clients.For(context.Background(), &ep2)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if c1 == c2 {
		t.Error("changed auth mode should produce a fresh client entry")
	}
}

func TestClientsUnknownAuthMode(t *testing.T) {
	t.Parallel()

	clients := NewClients(upstreamConfig(), nil)
	ep := testEndpoint(strider.FormatOpenAI)
	ep.AuthMode = "saml"

	if _, err := clients.For(context.Background(), ep); err == nil {
		t.Fatal("expected error for unknown auth mode")
	}
}

func TestClientsEvictStale(t *testing.T) {
	t.Parallel()

	clients := NewClients(upstreamConfig(), nil)
	ep := testEndpoint(strider.FormatOpenAI)

	if _, err := clients.For(context.Background(), ep); err != nil {
		t.Fatalf("For: %v", err)
	}
	if got := clients.EvictStale(time.Now().Add(time.Second)); got != 1 {
		t.Errorf("EvictStale = %d, want 1", got)
	}
	if got := clients.EvictStale(time.Now().Add(time.Second)); got != 0 {
		t.Errorf("EvictStale on empty = %d, want 0", got)
	}
}
