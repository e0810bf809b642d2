package server

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/relay"
)

// maxRequestBody bounds inbound bodies. Base64 images in vision requests run
// large, but never this large.
const maxRequestBody = 32 << 20

// bodyPool recycles read buffers across requests.
var bodyPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Gemini actions that resolve to completions. Anything else under the models
// route is not proxied.
const (
	actionGenerate = "generateContent"
	actionStream   = "streamGenerateContent"
)

// handleCompletion serves every completion route. The dialect decides where
// the model name and stream flag live; everything past the relay.Request is
// dialect-independent.
func (s *server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	format := strider.FormatFromContext(r.Context())
	id := strider.IdentityFromContext(r.Context())

	body, err := readBody(w, r)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeErrorStatus(w, format, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit))
			return
		}
		writeError(w, format, fmt.Errorf("%w: reading body: %v", strider.ErrBadRequest, err))
		return
	}

	model, stream, err := requestShape(r, format, body)
	if err != nil {
		writeError(w, format, err)
		return
	}

	// The TPM reservation happens here and not in the gate middleware: the
	// estimate needs the body.
	var estimate int64
	if s.deps.Limits != nil && s.deps.Tokens != nil && id.TPMLimit > 0 {
		estimate = s.deps.Tokens.EstimateRequest(format, model, body)
		if res := s.limiter(id).ReserveTokens(estimate); !res.Allowed {
			s.countQuotaReject("tpm")
			if sec := res.RetryAfterSeconds(); sec > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(sec))
			}
			writeError(w, format, fmt.Errorf("%w: %d tokens per minute", strider.ErrRateLimited, res.Limit))
			return
		}
	}

	req := &relay.Request{
		RequestID: strider.RequestIDFromContext(r.Context()),
		Caller:    id,
		Format:    format,
		Model:     model,
		Stream:    stream,
		Body:      body,
		Header:    r.Header,
		Query:     r.URL.Query(),
		Required:  strider.ParseCapabilities(r.Header.Get("X-Require-Capability")),
		Start:     start,
	}

	if stream {
		// A stream's actual usage lands in the ledger after the last frame;
		// the budget charges the estimate until the sync worker trues it up.
		if s.deps.Quota != nil && id.TokenBudget > 0 && estimate > 0 {
			s.deps.Quota.Consume(id.KeyID, estimate)
		}
		s.serveStream(w, r, req)
		return
	}

	resp, err := s.deps.Relay.Complete(r.Context(), req)
	if err != nil {
		writeError(w, format, err)
		return
	}
	s.settleTokens(id, estimate, resp.Usage.Total())

	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// serveStream opens the relayed stream and hands it to the framing the
// client asked for: Gemini without alt=sse gets the JSON array, everything
// else server-sent events.
func (s *server) serveStream(w http.ResponseWriter, r *http.Request, req *relay.Request) {
	sess, err := s.deps.Relay.OpenStream(r.Context(), req)
	if err != nil {
		writeError(w, req.Format, err)
		return
	}
	if req.Format.Base() == strider.FormatGemini && r.URL.Query().Get("alt") != "sse" {
		s.writeJSONArray(w, r, req.Format, sess)
		return
	}
	s.writeSSE(w, r, req.Format, sess)
}

// settleTokens trues the TPM reservation and budget spend against the
// actual token count of a completed exchange.
func (s *server) settleTokens(id *strider.Identity, estimate, actual int64) {
	if s.deps.Limits != nil && id.TPMLimit > 0 {
		s.limiter(id).ReconcileTokens(estimate, actual)
	}
	if s.deps.Quota != nil && id.TokenBudget > 0 && actual > 0 {
		s.deps.Quota.Consume(id.KeyID, actual)
	}
}

// readBody drains the request into a pooled buffer, bounded by
// maxRequestBody, and returns a copy the relay may hold past the handler.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	defer bodyPool.Put(buf)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// requestShape extracts the model name and stream flag from wherever the
// dialect keeps them: the URL for Gemini, the body for everyone else.
func requestShape(r *http.Request, format strider.Format, body []byte) (model string, stream bool, err error) {
	if format.Base() == strider.FormatGemini {
		switch action := chi.URLParam(r, "action"); action {
		case actionGenerate:
		case actionStream:
			stream = true
		default:
			return "", false, fmt.Errorf("%w: action %q", strider.ErrNotFound, action)
		}
		model = chi.URLParam(r, "model")
		if model == "" {
			// The CLI route without a models segment carries it in the body.
			model = gjson.GetBytes(body, "model").String()
		}
	} else {
		model = gjson.GetBytes(body, "model").String()
		stream = gjson.GetBytes(body, "stream").Bool()
	}

	if model == "" {
		return "", false, fmt.Errorf("%w: model not specified", strider.ErrBadRequest)
	}
	if !isValidParam(model) {
		return "", false, fmt.Errorf("%w: malformed model name", strider.ErrBadRequest)
	}
	return model, stream, nil
}

// isValidParam checks that s is non-empty, bounded, and contains only
// [a-zA-Z0-9._-]. Model names and actions end up interpolated into upstream
// URL paths, so nothing path-shaped gets through.
func isValidParam(s string) bool {
	if s == "" || len(s) > 256 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
