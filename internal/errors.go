package strider

import (
	"errors"
	"net/http"
)

// Sentinel errors for the gateway domain. Upstream failures carry richer
// typed errors (internal/upstream); these cover everything the core can
// decide on its own.
var (
	ErrAuthInvalid         = errors.New("invalid api key")
	ErrKeyExpired          = errors.New("api key expired")
	ErrKeyBlocked          = errors.New("api key blocked")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrModelUnsupported    = errors.New("model unsupported")
	ErrBadRequest          = errors.New("bad request")
	ErrClientRequest       = errors.New("request rejected by upstream")
	ErrConcurrencyLimit    = errors.New("concurrency limit reached")
	ErrAllCandidatesFailed = errors.New("all providers unavailable")
	ErrClientGone          = errors.New("client disconnected")
	ErrNotFound            = errors.New("not found")
	ErrNoStream            = errors.New("streaming not supported")
)

// StatusClientClosed is the nginx convention for a client that went away
// before the response finished. It never reaches a client; it exists for
// records and logs.
const StatusClientClosed = 499

// labeled is implemented by typed errors that know their classification label.
type labeled interface{ ErrorLabel() string }

// ErrorLabel maps an error to a stable label for records and metrics.
func ErrorLabel(err error) string {
	if err == nil {
		return ""
	}
	var l labeled
	if errors.As(err, &l) {
		return l.ErrorLabel()
	}
	switch {
	case errors.Is(err, ErrAuthInvalid):
		return "auth_invalid"
	case errors.Is(err, ErrKeyExpired):
		return "key_expired"
	case errors.Is(err, ErrKeyBlocked):
		return "key_blocked"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrModelUnsupported):
		return "model_unsupported"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrClientRequest):
		return "client_request"
	case errors.Is(err, ErrConcurrencyLimit):
		return "concurrency_limit"
	case errors.Is(err, ErrAllCandidatesFailed):
		return "all_candidates_failed"
	case errors.Is(err, ErrClientGone):
		return "client_disconnect"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNoStream):
		return "no_stream"
	default:
		return "internal_error"
	}
}

// statused is implemented by typed errors that carry an HTTP status.
type statused interface{ HTTPStatus() int }

// HTTPStatus maps an error to the status code recorded for it and, at the
// boundary, returned to the client. Typed errors that know their own status
// win over the sentinel mapping.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var s statused
	if errors.As(err, &s) {
		return s.HTTPStatus()
	}
	switch {
	case errors.Is(err, ErrAuthInvalid), errors.Is(err, ErrKeyExpired), errors.Is(err, ErrKeyBlocked):
		return http.StatusUnauthorized
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrConcurrencyLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrModelUnsupported), errors.Is(err, ErrBadRequest), errors.Is(err, ErrClientRequest), errors.Is(err, ErrNoStream):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAllCandidatesFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrClientGone):
		return StatusClientClosed
	default:
		return http.StatusInternalServerError
	}
}
