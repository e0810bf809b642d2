// Package strider defines domain types and interfaces for the Strider LLM gateway.
// This package has no project imports -- it is the dependency root.
package strider

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// --- Wire formats ---

// Format identifies a chat wire dialect on either side of the gateway.
// CLI variants share body shapes with their base format but authenticate
// with a bearer token instead of the vendor-native header.
type Format string

const (
	FormatClaude    Format = "claude"
	FormatClaudeCLI Format = "claude-cli"
	FormatOpenAI    Format = "openai"
	FormatResponses Format = "openai-responses"
	FormatGemini    Format = "gemini"
	FormatGeminiCLI Format = "gemini-cli"
)

// Base strips the CLI suffix so converter lookups and body handling can
// treat a CLI variant as its underlying dialect.
func (f Format) Base() Format {
	switch f {
	case FormatClaudeCLI:
		return FormatClaude
	case FormatGeminiCLI:
		return FormatGemini
	default:
		return f
	}
}

// Valid reports whether f is a known format tag.
func (f Format) Valid() bool {
	switch f {
	case FormatClaude, FormatClaudeCLI, FormatOpenAI, FormatResponses, FormatGemini, FormatGeminiCLI:
		return true
	}
	return false
}

// IsCLI reports whether f is a bearer-authenticated CLI variant.
func (f Format) IsCLI() bool { return f != f.Base() }

// DefaultPathTemplate returns the format's default upstream path. Gemini
// templates carry {model} and {action} placeholders interpolated at
// request-build time.
func (f Format) DefaultPathTemplate() string {
	switch f.Base() {
	case FormatClaude:
		return "/v1/messages"
	case FormatOpenAI:
		return "/v1/chat/completions"
	case FormatResponses:
		return "/v1/responses"
	case FormatGemini:
		return "/v1beta/models/{model}:{action}"
	default:
		return ""
	}
}

// UpstreamAuthHeader returns the header name carrying the credential secret
// on the upstream side, and whether the value takes a "Bearer " prefix.
func (f Format) UpstreamAuthHeader() (name string, bearer bool) {
	if f.IsCLI() {
		return "Authorization", true
	}
	switch f {
	case FormatClaude:
		return "x-api-key", false
	case FormatGemini:
		return "x-goog-api-key", false
	default:
		return "Authorization", true
	}
}

// ClientKey extracts the caller's API key from an inbound request per the
// format's convention: Anthropic's x-api-key, Google's x-goog-api-key (or a
// key= query param), bearer tokens everywhere else including CLI variants.
func (f Format) ClientKey(r *http.Request) string {
	if f.IsCLI() {
		return bearerToken(r.Header.Get("Authorization"))
	}
	switch f {
	case FormatClaude:
		return r.Header.Get("x-api-key")
	case FormatGemini:
		if k := r.Header.Get("x-goog-api-key"); k != "" {
			return k
		}
		return r.URL.Query().Get("key")
	default:
		return bearerToken(r.Header.Get("Authorization"))
	}
}

// bearerToken strips the Bearer scheme, returning "" for any other scheme.
func bearerToken(h string) string {
	tok, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return tok
}

// --- Capabilities ---

// CapabilityRule is one entry of an X-Require-Capability header. A negated
// rule demands the capability be absent.
type CapabilityRule struct {
	Name   string `json:"name"`
	Negate bool   `json:"negate,omitempty"`
}

// ParseCapabilities parses a comma-separated capability header value such
// as "cache_1h,-context_1m". Empty items are dropped.
func ParseCapabilities(header string) []CapabilityRule {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	rules := make([]CapabilityRule, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || p == "-" {
			continue
		}
		if strings.HasPrefix(p, "-") {
			rules = append(rules, CapabilityRule{Name: p[1:], Negate: true})
		} else {
			rules = append(rules, CapabilityRule{Name: p})
		}
	}
	return rules
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all Strider caller API keys.
const APIKeyPrefix = "sk-"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
