package strider

import "time"

// --- Token usage ---

// Usage holds token counters for one exchange.
type Usage struct {
	Input         int64 `json:"input_tokens"`
	Output        int64 `json:"output_tokens"`
	CacheRead     int64 `json:"cache_read_tokens,omitempty"`
	CacheCreation int64 `json:"cache_creation_tokens,omitempty"`
}

// Merge applies v defensively: a counter is overwritten only when the
// incoming value is strictly positive, so a late zero or a missing field
// never clobbers a value already seen.
func (u *Usage) Merge(v Usage) {
	if v.Input > 0 {
		u.Input = v.Input
	}
	if v.Output > 0 {
		u.Output = v.Output
	}
	if v.CacheRead > 0 {
		u.CacheRead = v.CacheRead
	}
	if v.CacheCreation > 0 {
		u.CacheCreation = v.CacheCreation
	}
}

// Total returns the combined token count.
func (u Usage) Total() int64 { return u.Input + u.Output + u.CacheRead + u.CacheCreation }

// Empty reports whether no counter has been set.
func (u Usage) Empty() bool { return u.Total() == 0 }

// --- Streaming ---

// StreamChunk is a single event flowing from the upstream parser to the
// client writer.
type StreamChunk struct {
	// Event is the SSE event name; empty for dialects without event lines.
	Event string
	// Data is the payload, already in the client's dialect.
	Data []byte
	// Raw, when set, is the frame exactly as received from upstream.
	// Writers forward it verbatim so same-dialect streams stay byte-equal.
	Raw []byte
	// Usage is non-nil when the chunk carried token counters.
	Usage *Usage
	Done  bool
	Err   error
}

// --- Usage ledger ---

// UsageRecord is one ledger row written per terminal outcome. Failure paths
// without upstream contact leave the provider fields empty.
type UsageRecord struct {
	ID               string            `json:"id"`
	RequestID        string            `json:"request_id"`
	KeyID            string            `json:"key_id"`
	Format           Format            `json:"format"`
	ClientModel      string            `json:"client_model"`
	CanonicalModelID string            `json:"canonical_model_id,omitempty"`
	ProviderID       string            `json:"provider_id,omitempty"`
	EndpointID       string            `json:"endpoint_id,omitempty"`
	CredentialID     string            `json:"credential_id,omitempty"`
	Stream           bool              `json:"stream"`
	StatusCode       int               `json:"status_code"`
	ErrorType        string            `json:"error_type,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	Usage            Usage             `json:"usage"`
	UsageEstimated   bool              `json:"usage_estimated,omitempty"`
	TTFBMs           int64             `json:"ttfb_ms,omitempty"`
	ResponseTimeMs   int64             `json:"response_time_ms"`
	RequestHeaders   map[string]string `json:"request_headers,omitempty"` // scrubbed
	CreatedAt        time.Time         `json:"created_at"`
}
