package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	strider "github.com/striderhq/strider/internal"
)

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError renders err in the client's dialect with the status the error
// taxonomy assigns it.
func writeError(w http.ResponseWriter, format strider.Format, err error) {
	status := strider.HTTPStatus(err)
	label := strider.ErrorLabel(err)
	msg := err.Error()
	// Unclassified 5xx errors stay opaque to the wire; the log has the rest.
	if status >= 500 && label == "internal_error" {
		msg = "internal server error"
	}
	writeErrorStatus(w, format, status, label, msg)
}

// writeErrorStatus writes an explicit error status and message in the
// client's dialect.
func writeErrorStatus(w http.ResponseWriter, format strider.Format, status int, label, msg string) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(errorBody(format, status, label, msg))
}

// claudeError is the Anthropic error envelope.
type claudeError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// openAIError is the envelope OpenAI chat and responses share.
type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

// geminiError is the google.rpc error envelope.
type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// errorBody renders one error in the dialect's wire shape. Dialects the
// request never resolved (panics before routing) fall back to the OpenAI
// envelope.
func errorBody(format strider.Format, status int, label, msg string) []byte {
	switch format.Base() {
	case strider.FormatClaude:
		var e claudeError
		e.Type = "error"
		e.Error.Type = claudeTypeFor(status)
		e.Error.Message = msg
		b, _ := json.Marshal(e)
		return b
	case strider.FormatGemini:
		var e geminiError
		e.Error.Code = status
		e.Error.Message = msg
		e.Error.Status = googleStatusFor(status)
		b, _ := json.Marshal(e)
		return b
	default:
		var e openAIError
		e.Error.Message = msg
		e.Error.Type = openAITypeFor(status)
		e.Error.Code = label
		b, _ := json.Marshal(e)
		return b
	}
}

// claudeTypeFor mirrors the documented Anthropic statuses back to their
// error type strings.
func claudeTypeFor(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusPaymentRequired, http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, 529:
		return "overloaded_error"
	}
	if status >= 500 {
		return "api_error"
	}
	return "invalid_request_error"
}

// googleStatusFor maps an HTTP status to its google.rpc status string.
func googleStatusFor(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusPaymentRequired, http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	}
	if status >= 500 {
		return "INTERNAL"
	}
	return "INVALID_ARGUMENT"
}

// openAITypeFor maps an HTTP status to the OpenAI error type string.
func openAITypeFor(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusPaymentRequired:
		return "insufficient_quota"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	}
	if status >= 500 {
		return "api_error"
	}
	return "invalid_request_error"
}
