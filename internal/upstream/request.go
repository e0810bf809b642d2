package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	strider "github.com/striderhq/strider/internal"
)

// anthropicVersion is pinned for converted requests whose client never sent
// one. An endpoint default header overrides it.
const anthropicVersion = "2023-06-01"

// Gemini path template actions.
const (
	actionGenerate       = "generateContent"
	actionStreamGenerate = "streamGenerateContent"
)

// hopByHopHeaders must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// sensitiveHeaders are stripped from the inbound request: caller
// credentials, vendor auth headers (re-injected from the Credential), and
// headers the gateway owns. Accept-Encoding is dropped so the transport
// negotiates compression itself and hands the stream processor a
// decompressed body.
var sensitiveHeaders = map[string]struct{}{
	"Authorization":        {},
	"X-Api-Key":            {},
	"X-Goog-Api-Key":       {},
	"Api-Key":              {},
	"Cookie":               {},
	"Host":                 {},
	"Content-Length":       {},
	"Accept-Encoding":      {},
	"X-Require-Capability": {},
}

// forwardableQuery is the whitelist of client query params that may reach
// the upstream. Everything else, notably Gemini's ?key= auth param, is
// dropped.
var forwardableQuery = map[string]struct{}{
	"alt": {},
}

// Params carries everything needed to build one upstream attempt. Body is
// the final upstream-format payload; model rewriting inside the body has
// already happened.
type Params struct {
	Endpoint   *strider.Endpoint
	Credential *strider.Credential
	Model      string // provider model name, interpolated into {model} paths
	Stream     bool
	// Converting is set when the client and upstream dialects differ.
	Converting bool
	Body       []byte
	Header     http.Header // inbound client headers
	Query      url.Values  // inbound client query params
}

// Build assembles the outbound *http.Request for one attempt: target URL
// from the endpoint's path template, scrubbed and merged headers, and the
// credential secret in the format's auth header for api_key endpoints
// (signed modes inject auth in the transport instead).
func Build(ctx context.Context, p Params) (*http.Request, error) {
	target, err := buildURL(p)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(p.Body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}

	for key, vals := range p.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		if _, sensitive := sensitiveHeaders[key]; sensitive {
			continue
		}
		req.Header[key] = vals
	}

	// Endpoint defaults override whatever the client sent.
	for k, v := range p.Endpoint.Headers {
		req.Header.Set(k, v)
	}

	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.Endpoint.Format.Base() == strider.FormatClaude && req.Header.Get("Anthropic-Version") == "" {
		req.Header.Set("Anthropic-Version", anthropicVersion)
	}

	if p.Endpoint.AuthMode == "" || p.Endpoint.AuthMode == strider.AuthAPIKey {
		name, bearer := p.Endpoint.Format.UpstreamAuthHeader()
		value := p.Credential.Secret
		if bearer {
			value = "Bearer " + value
		}
		req.Header.Set(name, value)
	}

	return req, nil
}

// buildURL composes base_url + path template with {model}/{action}
// interpolation, plus whitelisted query params.
func buildURL(p Params) (string, error) {
	path := p.Endpoint.PathTemplate
	if path == "" {
		path = p.Endpoint.Format.DefaultPathTemplate()
	}
	if path == "" {
		return "", fmt.Errorf("upstream: endpoint %s: no path for format %q", p.Endpoint.ID, p.Endpoint.Format)
	}

	action := actionGenerate
	if p.Stream {
		action = actionStreamGenerate
	}
	path = strings.ReplaceAll(path, "{model}", url.PathEscape(p.Model))
	path = strings.ReplaceAll(path, "{action}", action)

	q := url.Values{}
	for key := range forwardableQuery {
		if vals, ok := p.Query[key]; ok && len(vals) > 0 {
			q.Set(key, vals[0])
		}
	}
	// Converted Gemini streams default to SSE framing. Same-dialect
	// passthrough keeps the client's own choice so array-form responses
	// stay byte-equal.
	if p.Endpoint.Format.Base() == strider.FormatGemini && p.Stream && p.Converting && q.Get("alt") == "" {
		q.Set("alt", "sse")
	}

	target := strings.TrimRight(p.Endpoint.BaseURL, "/") + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	return target, nil
}
