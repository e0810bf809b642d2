// Package upstream builds and issues outbound provider requests: tuned
// transports with DNS caching, per-endpoint auth wrapping, request
// construction from candidate parts, and typed errors for failover
// decisions.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Error is a non-2xx response from an upstream provider. It keeps the
// response headers so 429s can be classified after the fact.
type Error struct {
	Provider   string
	StatusCode int
	Body       string // first 4KB of the response body
	Header     http.Header
}

// Error returns a formatted string including provider, status, and body.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream status code for failover decisions.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// ErrorLabel classifies the error for records and metrics.
func (e *Error) ErrorLabel() string {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return "upstream_auth"
	case e.StatusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return "upstream_client"
	case e.StatusCode >= 500:
		return "upstream_server"
	default:
		return "upstream_error"
	}
}

// Reason extracts the provider's own description of the failure from the
// body: "<type>: <message>" when the error object carries both, the bare
// message or type when it carries one, and the trimmed body for anything
// that is not an error object. Terminal gateway errors embed it so callers
// see the real cause.
func (e *Error) Reason() string {
	obj := gjson.Parse(e.Body).Get("error")
	typ := obj.Get("type").String()
	if typ == "" {
		// Gemini errors carry a status name instead of a type.
		typ = obj.Get("status").String()
	}
	msg := obj.Get("message").String()
	switch {
	case typ != "" && msg != "":
		return typ + ": " + msg
	case msg != "":
		return msg
	case typ != "":
		return typ
	}
	return strings.TrimSpace(e.Body)
}

// ParseError reads up to 4KB from the response body and returns an *Error
// carrying the status, body prefix, and headers. The body is drained only
// to the cap; callers close it.
func ParseError(provider string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &Error{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Header:     resp.Header,
	}
}

// IsTimeout reports whether err is a deadline or network timeout, as
// opposed to a refused connection or protocol failure.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
