// Package cloudauth provides http.RoundTripper decorators for endpoints
// whose auth mode is a signed cloud identity rather than a static key:
// GCP OAuth2 (Vertex AI) and AWS Signature V4 (Bedrock). Plain api_key
// endpoints get their secret injected at request-build time instead and
// never pass through this package.
package cloudauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	strider "github.com/striderhq/strider/internal"
)

const (
	// gcpScope is the OAuth2 scope for Vertex AI generateContent calls.
	gcpScope = "https://www.googleapis.com/auth/cloud-platform"
	// awsService is the SigV4 service name for Bedrock model invocation.
	awsService = "bedrock-runtime"
)

// ForEndpoint returns the RoundTripper an endpoint's outbound requests must
// go through. api_key endpoints (and the empty default) use the base
// transport unchanged; signed modes wrap it.
func ForEndpoint(ctx context.Context, base http.RoundTripper, ep *strider.Endpoint) (http.RoundTripper, error) {
	switch ep.AuthMode {
	case "", strider.AuthAPIKey:
		return base, nil
	case strider.AuthGCPOAuth:
		return NewGCPOAuthTransport(ctx, base, gcpScope)
	case strider.AuthAWSSigV4:
		if ep.Region == "" {
			return nil, fmt.Errorf("cloudauth: endpoint %s: aws_sigv4 requires a region", ep.ID)
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(ep.Region))
		if err != nil {
			return nil, fmt.Errorf("cloudauth: load AWS config: %w", err)
		}
		return NewAWSSigV4Transport(base, cfg.Credentials, ep.Region, awsService), nil
	default:
		return nil, fmt.Errorf("cloudauth: endpoint %s: unknown auth mode %q", ep.ID, ep.AuthMode)
	}
}

// GCPOAuthTransport injects a GCP OAuth2 bearer token on every outbound
// request, using Application Default Credentials. Tokens are cached and
// auto-refreshed by the reuse source.
type GCPOAuthTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

// NewGCPOAuthTransport resolves ADC and returns a transport that sets
// Authorization: Bearer on each request.
func NewGCPOAuthTransport(ctx context.Context, base http.RoundTripper, scopes ...string) (*GCPOAuthTransport, error) {
	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: find GCP credentials: %w", err)
	}
	return &GCPOAuthTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, creds.TokenSource),
	}, nil
}

// newGCPOAuthTransportFromSource creates a GCPOAuthTransport with an
// explicit token source (used for testing).
func newGCPOAuthTransportFromSource(base http.RoundTripper, ts oauth2.TokenSource) *GCPOAuthTransport {
	return &GCPOAuthTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, ts),
	}
}

// RoundTrip obtains a token and injects it as a Bearer header.
func (t *GCPOAuthTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("cloudauth: obtain GCP token: %w", err)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return t.getBase().RoundTrip(r2)
}

func (t *GCPOAuthTransport) getBase() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}

// AWSSigV4Transport signs outbound requests with AWS Signature Version 4.
// It buffers the request body to compute the SHA-256 payload hash the
// signature covers.
type AWSSigV4Transport struct {
	base    http.RoundTripper
	creds   aws.CredentialsProvider
	signer  *v4.Signer
	region  string
	service string
}

// NewAWSSigV4Transport returns a transport that signs requests using AWS
// SigV4. region and service identify the target (e.g. "us-east-1",
// "bedrock-runtime").
func NewAWSSigV4Transport(base http.RoundTripper, creds aws.CredentialsProvider, region, service string) *AWSSigV4Transport {
	return &AWSSigV4Transport{
		base:    base,
		creds:   creds,
		signer:  v4.NewSigner(),
		region:  region,
		service: service,
	}
}

// RoundTrip buffers the body for hashing, retrieves credentials, signs the
// request, and forwards it to the base transport.
func (t *AWSSigV4Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if r.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("cloudauth: read body for signing: %w", err)
		}
		r.Body.Close()
	}

	payloadHash := sha256Hex(bodyBytes)

	r2 := r.Clone(r.Context())
	if len(bodyBytes) > 0 {
		r2.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		r2.ContentLength = int64(len(bodyBytes))
	} else {
		r2.Body = http.NoBody
		r2.ContentLength = 0
	}

	creds, err := t.creds.Retrieve(r.Context())
	if err != nil {
		return nil, fmt.Errorf("cloudauth: retrieve AWS credentials: %w", err)
	}

	if err := t.signer.SignHTTP(r.Context(), creds, r2, payloadHash, t.service, t.region, time.Now()); err != nil {
		return nil, fmt.Errorf("cloudauth: sign request: %w", err)
	}

	return t.getBase().RoundTrip(r2)
}

func (t *AWSSigV4Transport) getBase() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}

// sha256Hex returns the hex-encoded SHA-256 hash of data. Empty input
// hashes to the SigV4 empty-payload digest.
func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
