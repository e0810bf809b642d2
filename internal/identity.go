package strider

import (
	"context"
)

// Identity is the authenticated caller attached to request context.
type Identity struct {
	// KeyID is the API key id used for per-caller bucketing and affinity keying.
	KeyID string `json:"key_id"`
	// Name is a display label (key name or subject).
	Name string `json:"name,omitempty"`
	// AllowedProviders restricts candidate enumeration to these provider ids.
	// Nil means all providers.
	AllowedProviders []string `json:"allowed_providers,omitempty"`
	// RPMLimit is the caller's request-per-minute quota (0 = unlimited).
	RPMLimit int64 `json:"-"`
	// TPMLimit is the caller's tokens-per-minute quota (0 = unlimited).
	TPMLimit int64 `json:"-"`
	// TokenBudget is the caller's cumulative token allowance (0 = unlimited).
	TokenBudget int64 `json:"-"`
}

// ProviderAllowed reports whether the identity may use the given provider.
func (id *Identity) ProviderAllowed(providerID string) bool {
	if id == nil || len(id.AllowedProviders) == 0 {
		return true
	}
	for _, p := range id.AllowedProviders {
		if p == providerID {
			return true
		}
	}
	return false
}

// Authenticator validates a raw caller key and returns the caller identity.
// Extraction of the key from a request is per-format and lives with the
// routes; see Format.ClientKey.
type Authenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*Identity, error)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity and Format fields are set later by middleware via mutation of
// the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
	Format    Format
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new metadata
// if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// FormatFromContext extracts the client dialect tagged by the routes.
func FormatFromContext(ctx context.Context) Format {
	if m := metaFromContext(ctx); m != nil {
		return m.Format
	}
	return ""
}

// ContextWithFormat stores the dialect in the existing requestMeta when
// present, same mutation path as ContextWithIdentity.
func ContextWithFormat(ctx context.Context, f Format) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Format = f
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Format: f})
}
