package stream

import (
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	strider "github.com/striderhq/strider/internal"
)

// Embedded error kinds. Kind names surface in candidate records and logs.
const (
	KindEmbedded   = "embedded_error"   // error payload inside a 200 stream
	KindEmpty      = "empty_response"   // stream ended without a single data frame
	KindConnection = "connection_error" // upstream dropped after data flowed
	KindHTML       = "html_response"    // endpoint returned a web page, not an API stream
	KindTimeout    = "data_timeout"     // watchdog fired
)

// EmbeddedError is a failure detected inside a nominally successful stream.
// Status carries the HTTP-equivalent status derived from the payload so the
// fallback loop can classify it like a plain upstream error.
type EmbeddedError struct {
	Kind    string
	Status  int
	Message string
}

func (e *EmbeddedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("stream: %s", e.Kind)
	}
	return fmt.Sprintf("stream: %s: %s", e.Kind, e.Message)
}

// HTTPStatus returns the derived status, defaulting to 502 when the payload
// named none.
func (e *EmbeddedError) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return http.StatusBadGateway
}

// ErrorLabel returns the kind, which doubles as the record label.
func (e *EmbeddedError) ErrorLabel() string { return e.Kind }

// claudeErrorStatus maps Anthropic error types to their documented statuses.
var claudeErrorStatus = map[string]int{
	"invalid_request_error": http.StatusBadRequest,
	"authentication_error":  http.StatusUnauthorized,
	"permission_error":      http.StatusForbidden,
	"not_found_error":       http.StatusNotFound,
	"request_too_large":     http.StatusRequestEntityTooLarge,
	"rate_limit_error":      http.StatusTooManyRequests,
	"api_error":             http.StatusInternalServerError,
	"overloaded_error":      529,
}

// googleRPCStatus maps google.rpc status strings to HTTP statuses for Gemini
// errors that omit the numeric code.
var googleRPCStatus = map[string]int{
	"INVALID_ARGUMENT":    http.StatusBadRequest,
	"FAILED_PRECONDITION": http.StatusBadRequest,
	"UNAUTHENTICATED":     http.StatusUnauthorized,
	"PERMISSION_DENIED":   http.StatusForbidden,
	"NOT_FOUND":           http.StatusNotFound,
	"RESOURCE_EXHAUSTED":  http.StatusTooManyRequests,
	"INTERNAL":            http.StatusInternalServerError,
	"UNAVAILABLE":         http.StatusServiceUnavailable,
	"DEADLINE_EXCEEDED":   http.StatusGatewayTimeout,
}

// openAIErrorStatus maps OpenAI error type/code strings to statuses.
var openAIErrorStatus = map[string]int{
	"invalid_request_error":   http.StatusBadRequest,
	"context_length_exceeded": http.StatusBadRequest,
	"authentication_error":    http.StatusUnauthorized,
	"invalid_api_key":         http.StatusUnauthorized,
	"permission_error":        http.StatusForbidden,
	"model_not_found":         http.StatusNotFound,
	"rate_limit_error":        http.StatusTooManyRequests,
	"rate_limit_exceeded":     http.StatusTooManyRequests,
	"insufficient_quota":      http.StatusTooManyRequests,
	"server_error":            http.StatusInternalServerError,
}

// sniffFrame inspects one frame for an error payload in the upstream's
// declared dialect. It returns nil for normal content and for frames that do
// not parse as JSON.
func sniffFrame(format strider.Format, f *Frame) *EmbeddedError {
	if !f.HasData() || !gjson.ValidBytes(f.Data) {
		return nil
	}
	root := gjson.ParseBytes(f.Data)
	switch format.Base() {
	case strider.FormatClaude:
		if root.Get("type").String() != "error" && f.Event != "error" {
			return nil
		}
		errObj := root.Get("error")
		if !errObj.Exists() {
			return nil
		}
		kind := errObj.Get("type").String()
		return &EmbeddedError{
			Kind:    KindEmbedded,
			Status:  claudeErrorStatus[kind],
			Message: errObj.Get("message").String(),
		}
	case strider.FormatGemini:
		errObj := root.Get("error")
		if !errObj.IsObject() {
			return nil
		}
		status := int(errObj.Get("code").Int())
		if status == 0 {
			status = googleRPCStatus[errObj.Get("status").String()]
		}
		return &EmbeddedError{
			Kind:    KindEmbedded,
			Status:  status,
			Message: errObj.Get("message").String(),
		}
	default: // openai and responses share the error envelope
		errObj := root.Get("error")
		if root.Get("type").String() == "response.failed" {
			errObj = root.Get("response.error")
		}
		if !errObj.IsObject() {
			return nil
		}
		status := int(errObj.Get("code").Int())
		if status < 400 || status > 599 {
			status = openAIErrorStatus[errObj.Get("code").String()]
		}
		if status == 0 {
			status = openAIErrorStatus[errObj.Get("type").String()]
		}
		return &EmbeddedError{
			Kind:    KindEmbedded,
			Status:  status,
			Message: errObj.Get("message").String(),
		}
	}
}
