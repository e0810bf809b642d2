package upstream

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/cloudauth"
	"github.com/striderhq/strider/internal/config"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. A nil resolver falls back to the system resolver.
func NewTransport(cfg config.UpstreamConfig, resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		MaxConnsPerHost:     cfg.MaxIdleConns * 2,
		IdleConnTimeout:     cfg.IdleConnTTL,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	d := &net.Dialer{Timeout: cfg.ConnectTimeout}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	} else {
		t.DialContext = d.DialContext
	}
	return t
}

type clientEntry struct {
	client   *http.Client
	lastUsed time.Time
}

// Clients hands out one *http.Client per endpoint, sharing a pooled base
// transport and wrapping it per the endpoint's auth mode. Signed-auth
// clients cache their token sources across requests, so entries are reused
// until evicted. No client timeout is set: streams run long, and
// non-stream attempts carry a context deadline instead.
type Clients struct {
	base http.RoundTripper

	mu      sync.Mutex
	clients map[string]*clientEntry
}

// NewClients builds a factory over a shared tuned transport.
func NewClients(cfg config.UpstreamConfig, resolver *dnscache.Resolver) *Clients {
	return &Clients{
		base:    NewTransport(cfg, resolver),
		clients: make(map[string]*clientEntry),
	}
}

// clientKey includes the auth fields so a reloaded endpoint definition gets
// a fresh client while the old one ages out of the cache.
func clientKey(ep *strider.Endpoint) string {
	return ep.ID + "|" + ep.AuthMode + "|" + ep.Region
}

// For returns the endpoint's client, creating it on first use. Creation may
// perform credential discovery (ADC, AWS config chain) and runs outside the
// lock; a lost race reuses the winner's client.
func (c *Clients) For(ctx context.Context, ep *strider.Endpoint) (*http.Client, error) {
	key := clientKey(ep)
	c.mu.Lock()
	if e, ok := c.clients[key]; ok {
		e.lastUsed = time.Now()
		c.mu.Unlock()
		return e.client, nil
	}
	c.mu.Unlock()

	rt, err := cloudauth.ForEndpoint(ctx, c.base, ep)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Transport: rt}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.clients[key]; ok {
		e.lastUsed = time.Now()
		return e.client, nil
	}
	c.clients[key] = &clientEntry{client: client, lastUsed: time.Now()}
	return client, nil
}

// EvictStale removes clients not used since cutoff and returns the count.
func (c *Clients) EvictStale(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for key, e := range c.clients {
		if e.lastUsed.Before(cutoff) {
			delete(c.clients, key)
			evicted++
		}
	}
	return evicted
}
