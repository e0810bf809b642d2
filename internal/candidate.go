package strider

import "time"

// --- Candidates ---

// Candidate is one (provider, endpoint, credential) triple that could serve
// an attempt. Pointers reference the immutable catalog snapshot the request
// started with.
type Candidate struct {
	Provider   *Provider
	Endpoint   *Endpoint
	Credential *Credential
	// Model is the per-provider implementation carrying the upstream name.
	Model *ModelImpl
	// Cached marks the candidate the affinity store pinned for this caller.
	Cached     bool
	Skipped    bool
	SkipReason string
}

// Skip reasons produced by the candidate resolver.
const (
	SkipUnhealthy  = "unhealthy"
	SkipNoStream   = "no-stream"
	SkipCapability = "capability-missing" // suffixed ":<cap>"
)

// --- Candidate records ---

// CandidateStatus is the lifecycle state of one attempt slot.
// available -> pending -> (streaming -> success) | success | failed | skipped.
type CandidateStatus string

const (
	CandidateAvailable CandidateStatus = "available"
	CandidatePending   CandidateStatus = "pending"
	CandidateStreaming CandidateStatus = "streaming"
	CandidateSuccess   CandidateStatus = "success"
	CandidateFailed    CandidateStatus = "failed"
	CandidateSkipped   CandidateStatus = "skipped"
)

// CandidateRecord is the per-attempt trace row.
type CandidateRecord struct {
	ID           string           `json:"id"`
	RequestID    string           `json:"request_id"`
	Attempt      int              `json:"attempt"`
	ProviderID   string           `json:"provider_id"`
	EndpointID   string           `json:"endpoint_id"`
	CredentialID string           `json:"credential_id"`
	Cached       bool             `json:"cached"`
	RequiredCaps []CapabilityRule `json:"required_caps,omitempty"`
	Status       CandidateStatus  `json:"status"`
	StatusCode   int              `json:"status_code,omitempty"`
	LatencyMs    int64            `json:"latency_ms,omitempty"`
	// InFlight is the observed concurrent-holder count at attempt time,
	// fed to the adaptive tuner on 429.
	InFlight     int               `json:"in_flight,omitempty"`
	ErrorType    string            `json:"error_type,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}
