// Package server is the HTTP surface of the gateway. Each client dialect
// gets its own route group; middleware tags the dialect, authenticates the
// caller in the dialect's native key location, and applies the caller's
// quota before the relay runs. Writers put relay output back on the wire in
// the protocol the client spoke.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/catalog"
	"github.com/striderhq/strider/internal/ratelimit"
	"github.com/striderhq/strider/internal/relay"
	"github.com/striderhq/strider/internal/telemetry"
	"github.com/striderhq/strider/internal/tokencount"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Relay          *relay.Relay
	Auth           strider.Authenticator
	Catalog        *catalog.Index
	Limits         *ratelimit.Registry     // nil = no caller rate limiting
	Quota          *ratelimit.QuotaTracker // nil = no budget enforcement
	Tokens         *tokencount.Counter     // nil = no TPM reservation
	ReadyCheck     ReadyChecker            // nil = always ready (for tests)
	MetricsHandler http.Handler            // nil = no /metrics route
	Log            *slog.Logger
	Metrics        *telemetry.Metrics // nil = no request metrics
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps, log: deps.Log}
	if s.log == nil {
		s.log = slog.Default()
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)

	// System endpoints sit outside the dialect groups: no auth, no
	// per-dialect metrics.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	s.mountDialects(r)

	return r
}

type server struct {
	deps Deps
	log  *slog.Logger
}

// mountDialects registers one route group per client dialect. The dialect
// middleware runs first so that auth extraction, metrics labels, and error
// bodies all speak the caller's protocol.
func (s *server) mountDialects(r chi.Router) {
	// Anthropic Messages. The CLI build of the same protocol marks itself
	// with ?beta=true and authenticates with a Bearer token instead of
	// x-api-key.
	s.dialectGroup(r, claudeDialect, func(r chi.Router) {
		r.Post("/v1/messages", s.handleCompletion)
	})

	// OpenAI Chat Completions, plus the model listing OpenAI SDKs probe on
	// startup.
	s.dialectGroup(r, staticDialect(strider.FormatOpenAI), func(r chi.Router) {
		r.Post("/v1/chat/completions", s.handleCompletion)
		r.Get("/v1/models", s.handleListModels)
	})

	// OpenAI Responses; SDKs hit /v1/responses, the raw API /responses.
	s.dialectGroup(r, staticDialect(strider.FormatResponses), func(r chi.Router) {
		r.Post("/responses", s.handleCompletion)
		r.Post("/v1/responses", s.handleCompletion)
	})

	// Gemini generateContent. {model}:{action} splits on the literal colon.
	s.dialectGroup(r, staticDialect(strider.FormatGemini), func(r chi.Router) {
		r.Post("/v1beta/models/{model}:{action}", s.handleCompletion)
	})

	// The Gemini CLI speaks the same bodies under /v1internal with Bearer
	// auth, carrying the model either in the path or in the body.
	s.dialectGroup(r, staticDialect(strider.FormatGeminiCLI), func(r chi.Router) {
		r.Post("/v1internal/models/{model}:{action}", s.handleCompletion)
		r.Post("/v1internal:{action}", s.handleCompletion)
	})
}

// dialectGroup wraps routes in the per-dialect middleware chain.
func (s *server) dialectGroup(r chi.Router, resolve dialectFunc, routes func(chi.Router)) {
	r.Group(func(r chi.Router) {
		r.Use(s.dialect(resolve))
		if s.deps.Metrics != nil {
			r.Use(s.measure)
		}
		r.Use(s.authenticate)
		r.Use(s.gate)
		routes(r)
	})
}

// dialectFunc resolves the client dialect from the raw request.
type dialectFunc func(*http.Request) strider.Format

func staticDialect(f strider.Format) dialectFunc {
	return func(*http.Request) strider.Format { return f }
}

// claudeDialect tells the desktop and CLI builds of the Anthropic protocol
// apart on their shared route: the CLI marks itself with ?beta=true, or by
// sending a Bearer token where the base protocol would send x-api-key.
func claudeDialect(r *http.Request) strider.Format {
	if r.URL.Query().Get("beta") == "true" {
		return strider.FormatClaudeCLI
	}
	if r.Header.Get("x-api-key") == "" && strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		return strider.FormatClaudeCLI
	}
	return strider.FormatClaude
}
