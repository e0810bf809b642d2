package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/ratelimit"
)

// errInternal is what a recovered panic surfaces to the client.
var errInternal = errors.New("internal server error")

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
// Reset fields on Get, nil ResponseWriter on Put to avoid retaining references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns 500 in the caller's dialect.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				// LogAttrs with typed attrs keeps values on the stack (~2 fewer
				// allocs vs slog.Error which boxes every key+value into any).
				s.log.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeError(w, strider.FormatFromContext(r.Context()), errInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader uses the canonical MIME form so direct map access
// (r.Header[key], w.Header()[key] = ...) skips textproto.CanonicalMIMEHeaderKey,
// saving 2 allocs/req that Header.Get/Set would otherwise spend on canonicalization.
const requestIDHeader = "X-Request-Id"

// requestID adds a UUID v7 request ID to the context and response header.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		ctx := strider.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging logs each request with dialect, status, and duration.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		// The dialect middleware mutates the shared request metadata, so the
		// format is visible here even though it is resolved further in.
		// LogAttrs with typed slog.String/Int/Int64 keeps attrs as stack values,
		// saving ~5 allocs/req vs slog.Info which boxes every key+value into any.
		s.log.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("format", string(strider.FormatFromContext(r.Context()))),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", strider.RequestIDFromContext(r.Context())),
		)
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// dialect tags the request with the client protocol for everything
// downstream: auth extraction, metrics labels, error rendering.
func (s *server) dialect(resolve dialectFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := strider.ContextWithFormat(r.Context(), resolve(r))
			if ctx == r.Context() {
				// Stored via pointer mutation; skip Request.WithContext.
				next.ServeHTTP(w, r)
			} else {
				next.ServeHTTP(w, r.WithContext(ctx))
			}
		})
	}
}

// authenticate extracts the caller's key from the dialect's native location
// and validates it. The identity lands in the existing request metadata.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		format := strider.FormatFromContext(r.Context())
		key := format.ClientKey(r)
		if key == "" {
			writeError(w, format, fmt.Errorf("%w: missing credentials", strider.ErrAuthInvalid))
			return
		}
		identity, err := s.deps.Auth.Authenticate(r.Context(), key)
		if err != nil {
			writeError(w, format, err)
			return
		}
		ctx := strider.ContextWithIdentity(r.Context(), identity)
		if ctx == r.Context() {
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// gate enforces the caller's request-per-minute limit and cumulative token
// budget before any candidate work happens. The token-per-minute reservation
// needs the body and runs in the completion handler instead.
func (s *server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		format := strider.FormatFromContext(r.Context())
		id := strider.IdentityFromContext(r.Context())

		if s.deps.Quota != nil && id.TokenBudget > 0 && !s.deps.Quota.Check(id.KeyID, id.TokenBudget) {
			s.countQuotaReject("budget")
			writeError(w, format, fmt.Errorf("%w: token budget exhausted", strider.ErrQuotaExceeded))
			return
		}

		if s.deps.Limits != nil {
			res := s.limiter(id).AllowRequest()
			if !res.Allowed {
				s.countQuotaReject("rpm")
				if sec := res.RetryAfterSeconds(); sec > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(sec))
				}
				writeError(w, format, fmt.Errorf("%w: %d requests per minute", strider.ErrRateLimited, res.Limit))
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// limiter returns the caller's limiter, materialized on first use.
func (s *server) limiter(id *strider.Identity) *ratelimit.Limiter {
	return s.deps.Limits.GetOrCreate(id.KeyID, ratelimit.Limits{RPM: id.RPMLimit, TPM: id.TPMLimit})
}

func (s *server) countQuotaReject(kind string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.QuotaRejects.WithLabelValues(kind).Inc()
	}
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// WriteHeader records only the first status code; subsequent calls are
// forwarded to the underlying writer but do not update the captured value,
// matching net/http semantics where only the first WriteHeader takes effect.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter if it implements http.Flusher.
// This ensures SSE streaming works through middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, allowing http.ResponseController
// and similar utilities to find interface implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
