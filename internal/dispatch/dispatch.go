// Package dispatch executes a single upstream attempt: slot admission,
// protocol conversion, request construction, the HTTP exchange, and outcome
// typing. Retries, fallback, and the side effects of failure (health,
// affinity, tuning) belong to the relay loop, which calls Dispatch once per
// candidate attempt.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/sjson"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/adaptive"
	"github.com/striderhq/strider/internal/config"
	"github.com/striderhq/strider/internal/convert"
	"github.com/striderhq/strider/internal/slots"
	"github.com/striderhq/strider/internal/stream"
	"github.com/striderhq/strider/internal/telemetry"
	"github.com/striderhq/strider/internal/upstream"
)

// Trace receives lifecycle transitions for the attempt's record row.
// *records.Tracker satisfies it.
type Trace interface {
	Pending(slot, inFlight int)
	Streaming(slot int)
}

// Request is the client request prepared once by the relay and shared across
// all candidate attempts.
type Request struct {
	RequestID    string
	ClientFormat strider.Format
	Stream       bool
	Body         []byte
	Header       http.Header
	Query        url.Values
	// Start is the request accept time, the TTFB basis for streams.
	Start time.Time
}

// Response is a completed non-stream exchange, body already in the client
// dialect.
type Response struct {
	StatusCode int
	Body       []byte
	Usage      strider.Usage
	ResponseID string
}

// Result is a successful attempt. Exactly one of Response and Stream is set.
// Non-stream results return with the slot already released; stream results
// keep it held, and the caller must Release after the stream finishes.
type Result struct {
	Response *Response
	Stream   *stream.Stream
	Slot     *slots.Slot
	// InFlight is the credential holder count observed at admission.
	InFlight int
	// Converting reports whether the upstream spoke another dialect.
	Converting bool
}

// AttemptError wraps any failure that happened after slot admission with the
// context the relay's side-effect table needs. Unwrap exposes the underlying
// typed error, so errors.Is and errors.As see through it.
type AttemptError struct {
	Err error
	// InFlight is the credential holder count observed at admission.
	InFlight int
	// Header holds the upstream response headers when a response arrived,
	// nil for transport failures. 429 classification reads it.
	Header http.Header
}

func (e *AttemptError) Error() string { return e.Err.Error() }
func (e *AttemptError) Unwrap() error { return e.Err }

// Options wires a Dispatcher.
type Options struct {
	Convert *convert.Registry
	Slots   *slots.Manager
	Tuner   *adaptive.Manager
	Clients *upstream.Clients
	Config  *config.Config
	Log     *slog.Logger
	Metrics *telemetry.Metrics
}

// Dispatcher runs attempts. Safe for concurrent use.
type Dispatcher struct {
	conv    *convert.Registry
	slots   *slots.Manager
	tuner   *adaptive.Manager
	clients *upstream.Clients

	timeout     time.Duration
	reservation float64
	streamCfg   config.StreamConfig

	log     *slog.Logger
	metrics *telemetry.Metrics
}

// New creates a dispatcher from its collaborators.
func New(opts Options) *Dispatcher {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		conv:    opts.Convert,
		slots:   opts.Slots,
		tuner:   opts.Tuner,
		clients: opts.Clients,
		log:     log,
		metrics: opts.Metrics,
	}
	if cfg := opts.Config; cfg != nil {
		d.timeout = cfg.Upstream.DefaultTimeout
		d.reservation = cfg.Concurrency.ReservationRatio
		d.streamCfg = cfg.Stream
	}
	if d.timeout <= 0 {
		d.timeout = 5 * time.Minute
	}
	return d
}

// Dispatch runs one attempt against cand, updating its record row at slot
// recordSlot. Admission refusal surfaces as strider.ErrConcurrencyLimit;
// every failure after admission is wrapped in *AttemptError.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request, cand *strider.Candidate, trace Trace, recordSlot int) (*Result, error) {
	trace.Pending(recordSlot, 0)

	upFormat := cand.Endpoint.Format
	converting := req.ClientFormat.Base() != upFormat.Base()

	slot, err := d.acquire(ctx, cand)
	if err != nil {
		return nil, err
	}
	trace.Pending(recordSlot, slot.InFlight)

	fail := func(err error) (*Result, error) {
		slot.Fail()
		slot.Release(ctx)
		return nil, &AttemptError{Err: err, InFlight: slot.InFlight}
	}

	body := req.Body
	if converting {
		body, err = d.conv.Request(ctx, req.ClientFormat, upFormat, body)
		if err != nil {
			// The client body would not translate; no other candidate of
			// this dialect will fare better.
			return fail(fmt.Errorf("%w: %v", strider.ErrBadRequest, err))
		}
		if d.metrics != nil {
			d.metrics.Translations.WithLabelValues(string(req.ClientFormat.Base()), string(upFormat.Base())).Inc()
		}
	}

	// Gemini addresses the model in the URL; every other dialect carries it
	// in the body.
	if upFormat.Base() != strider.FormatGemini {
		body, err = sjson.SetBytes(body, "model", cand.Model.UpstreamName)
		if err != nil {
			return fail(fmt.Errorf("rewrite model: %w", err))
		}
	}

	callCtx := ctx
	if !req.Stream {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cand.Endpoint.Timeout(d.timeout))
		defer cancel()
	}

	hreq, err := upstream.Build(callCtx, upstream.Params{
		Endpoint:   cand.Endpoint,
		Credential: cand.Credential,
		Model:      cand.Model.UpstreamName,
		Stream:     req.Stream,
		Converting: converting,
		Body:       body,
		Header:     req.Header,
		Query:      req.Query,
	})
	if err != nil {
		return fail(err)
	}

	client, err := d.clients.For(ctx, cand.Endpoint)
	if err != nil {
		return fail(err)
	}

	resp, err := client.Do(hreq)
	if err != nil {
		if upstream.IsTimeout(err) {
			return fail(fmt.Errorf("upstream timeout: %w", err))
		}
		return fail(fmt.Errorf("upstream transport: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		uerr := upstream.ParseError(cand.Provider.Name, resp)
		resp.Body.Close()
		slot.Fail()
		slot.Release(ctx)
		return nil, &AttemptError{Err: uerr, InFlight: slot.InFlight, Header: resp.Header}
	}

	if req.Stream {
		return d.openStream(ctx, req, cand, resp, slot, trace, recordSlot, converting)
	}
	return d.readResponse(ctx, req, resp, slot, upFormat, converting)
}

// acquire resolves the credential's cap and takes a slot. Fixed caps bypass
// the tuner; adaptive credentials use the live learned ceiling, seeded from
// the stored snapshot on first touch.
func (d *Dispatcher) acquire(ctx context.Context, cand *strider.Candidate) (*slots.Slot, error) {
	cred := cand.Credential
	credCap := 0
	if cred.Adaptive() {
		credCap = d.tuner.Ceiling(cred.ID, cred.LearnedMaxConcurrent)
	} else {
		credCap = *cred.MaxConcurrent
	}
	ratio := d.tuner.ReservationRatio(cred.ID, cred.CacheTTL() > 0, d.reservation)

	endpointCap := 0
	if cand.Endpoint.MaxConcurrent != nil {
		endpointCap = *cand.Endpoint.MaxConcurrent
	}

	return d.slots.TryAcquire(ctx, slots.Request{
		EndpointID:       cand.Endpoint.ID,
		EndpointCap:      endpointCap,
		CredentialID:     cred.ID,
		CredentialCap:    credCap,
		Cached:           cand.Cached,
		ReservationRatio: ratio,
	})
}

// openStream sniffs the response head and hands back a live stream. The slot
// stays held until the caller releases it.
func (d *Dispatcher) openStream(ctx context.Context, req *Request, cand *strider.Candidate, resp *http.Response, slot *slots.Slot, trace Trace, recordSlot int, converting bool) (*Result, error) {
	var cc convert.ChunkConverter
	if converting {
		cc = d.conv.Stream(ctx, cand.Endpoint.Format, req.ClientFormat)
	}

	// Mirrors the request builder: converted Gemini streams were asked for
	// SSE framing; passthrough keeps whatever the client chose.
	sse := true
	if cand.Endpoint.Format.Base() == strider.FormatGemini && !converting {
		sse = req.Query.Get("alt") == "sse"
	}

	st, err := stream.Open(ctx, resp.Body, stream.Options{
		Upstream:    cand.Endpoint.Format,
		Converter:   cc,
		SSE:         sse,
		ContentType: resp.Header.Get("Content-Type"),
		Provider:    cand.Provider.Name,
		Start:       req.Start,
		Config:      d.streamCfg,
		Log:         d.log,
	})
	if err != nil {
		slot.Fail()
		slot.Release(ctx)
		return nil, &AttemptError{Err: err, InFlight: slot.InFlight, Header: resp.Header}
	}
	trace.Streaming(recordSlot)
	return &Result{Stream: st, Slot: slot, InFlight: slot.InFlight, Converting: converting}, nil
}

// readResponse drains a non-stream body, extracts usage from the upstream
// dialect, and converts the payload for the client. The slot is released as
// soon as the upstream is done, before any conversion work.
func (d *Dispatcher) readResponse(ctx context.Context, req *Request, resp *http.Response, slot *slots.Slot, upFormat strider.Format, converting bool) (*Result, error) {
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		slot.Fail()
		slot.Release(ctx)
		if upstream.IsTimeout(err) {
			return nil, &AttemptError{Err: fmt.Errorf("upstream timeout: %w", err), InFlight: slot.InFlight, Header: resp.Header}
		}
		return nil, &AttemptError{Err: fmt.Errorf("read upstream body: %w", err), InFlight: slot.InFlight, Header: resp.Header}
	}
	slot.Release(ctx)

	usage, responseID := stream.ExtractUsage(upFormat, raw)

	out := raw
	if converting {
		out, err = d.conv.Response(ctx, upFormat, req.ClientFormat, raw)
		if err != nil {
			return nil, &AttemptError{Err: fmt.Errorf("convert response: %w", err), InFlight: slot.InFlight, Header: resp.Header}
		}
	}

	return &Result{
		Response: &Response{
			StatusCode: resp.StatusCode,
			Body:       out,
			Usage:      usage,
			ResponseID: responseID,
		},
		InFlight:   slot.InFlight,
		Converting: converting,
	}, nil
}
