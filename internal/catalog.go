package strider

import "time"

// Catalog records are immutable value records keyed by opaque id. Relations
// are id fields; the in-memory index (internal/catalog) rebuilds lookup maps
// from the store. The core never mutates these, except for the credential
// adaptive fields which are persisted separately by the adaptive manager.

// Provider is an upstream vendor account. It owns endpoints.
type Provider struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Priority int    `json:"priority"` // smaller = preferred
	Active   bool   `json:"active"`
}

// Auth modes for Endpoint.AuthMode.
const (
	AuthAPIKey   = "api_key"
	AuthGCPOAuth = "gcp_oauth"
	AuthAWSSigV4 = "aws_sigv4"
)

// Endpoint is one base URL of a provider, speaking one upstream format.
type Endpoint struct {
	ID         string `json:"id"`
	ProviderID string `json:"provider_id"`
	BaseURL    string `json:"base_url"`
	Format     Format `json:"format"`
	// PathTemplate overrides the format's default path. May contain
	// {model} and {action} placeholders.
	PathTemplate string            `json:"path_template,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	// AuthMode selects the upstream auth transport: "" or "api_key" for
	// header injection, "gcp_oauth" or "aws_sigv4" for signed requests.
	AuthMode string `json:"auth_mode,omitempty"`
	// Region is the cloud region for signed auth modes. Empty for api_key.
	Region         string `json:"region,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	// MaxRetries is the per-credential attempt budget used when this
	// endpoint is cache-affine for the caller.
	MaxRetries int `json:"max_retries"`
	// MaxConcurrent caps in-flight requests across all credentials of the
	// endpoint. Nil = unlimited.
	MaxConcurrent *int `json:"max_concurrent,omitempty"`
	// NoStream marks endpoints that cannot serve streaming requests.
	NoStream bool `json:"no_stream,omitempty"`
	Active   bool `json:"active"`
}

// Timeout returns the endpoint read timeout, or def when unset.
func (e *Endpoint) Timeout(def time.Duration) time.Duration {
	if e.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// RetryBudget returns the cache-affine retry budget, at least 1.
func (e *Endpoint) RetryBudget() int {
	if e.MaxRetries < 1 {
		return 1
	}
	return e.MaxRetries
}

// Credential is an API key for one endpoint.
type Credential struct {
	ID         string `json:"id"`
	EndpointID string `json:"endpoint_id"`
	Name       string `json:"name,omitempty"`
	// Secret is the decrypted upstream key. Never serialized.
	Secret   string `json:"-"`
	Priority int    `json:"priority"` // smaller = preferred within provider
	// MaxConcurrent nil selects adaptive mode; an integer is a fixed cap.
	MaxConcurrent *int `json:"max_concurrent,omitempty"`
	// LearnedMaxConcurrent is the adaptive ceiling snapshot loaded from the
	// store; the live value is owned by the adaptive manager.
	LearnedMaxConcurrent int `json:"learned_max_concurrent,omitempty"`
	// CacheTTLMinutes is the upstream prompt-cache lifetime. 0 = no caching.
	CacheTTLMinutes int      `json:"cache_ttl_minutes"`
	Capabilities    []string `json:"capabilities,omitempty"`
	Active          bool     `json:"active"`
}

// Adaptive reports whether the concurrency ceiling is tuner-managed.
func (c *Credential) Adaptive() bool { return c.MaxConcurrent == nil }

// EffectiveCap returns the concurrency cap to enforce: the fixed cap when
// set, otherwise the learned ceiling (or def when the snapshot is unset).
func (c *Credential) EffectiveCap(def int) int {
	if c.MaxConcurrent != nil {
		return *c.MaxConcurrent
	}
	if c.LearnedMaxConcurrent > 0 {
		return c.LearnedMaxConcurrent
	}
	return def
}

// CacheTTL returns the prompt-cache lifetime, 0 when caching is unsupported.
func (c *Credential) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// Satisfies reports whether the credential's declared capability set meets
// one required-capability rule.
func (c *Credential) Satisfies(rule CapabilityRule) bool {
	has := false
	for _, cap := range c.Capabilities {
		if cap == rule.Name {
			has = true
			break
		}
	}
	if rule.Negate {
		return !has
	}
	return has
}

// GlobalModel is the canonical catalog entry for a model.
type GlobalModel struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"` // canonical name
	DisplayName  string   `json:"display_name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Active       bool     `json:"active"`
}

// MappingKind distinguishes pure renames from redirects.
type MappingKind string

const (
	MappingAlias   MappingKind = "alias"   // pure rename
	MappingRewrite MappingKind = "mapping" // may redirect to a different model
)

// ModelMapping rewrites a client-requested model name to a GlobalModel.
// ProviderID scopes the rule to one provider; empty = global.
type ModelMapping struct {
	ID            string      `json:"id"`
	SourceName    string      `json:"source_name"`
	GlobalModelID string      `json:"global_model_id"`
	ProviderID    string      `json:"provider_id,omitempty"`
	Kind          MappingKind `json:"kind"`
	Active        bool        `json:"active"`
}

// ModelImpl links a provider to a GlobalModel under a provider-specific name.
type ModelImpl struct {
	ID            string   `json:"id"`
	ProviderID    string   `json:"provider_id"`
	GlobalModelID string   `json:"global_model_id"`
	UpstreamName  string   `json:"upstream_name"`
	Capabilities  []string `json:"capabilities,omitempty"` // overrides, optional
	Active        bool     `json:"active"`
}

// APIKey is a caller credential for the gateway itself.
type APIKey struct {
	ID        string `json:"id"`
	KeyHash   string `json:"-"`          // SHA-256 hex, never exposed
	KeyPrefix string `json:"key_prefix"` // first 8 chars for display
	Name      string `json:"name,omitempty"`
	// AllowedProviders restricts the key to these provider ids. Nil = all.
	AllowedProviders []string `json:"allowed_providers,omitempty"`
	RPMLimit         *int64   `json:"rpm_limit,omitempty"`
	TPMLimit         *int64   `json:"tpm_limit,omitempty"`
	// TokenBudget is a cumulative token allowance; the key is refused once
	// its ledger total crosses it. Nil = unlimited.
	TokenBudget *int64     `json:"token_budget,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Blocked     bool       `json:"blocked"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
