// Package relay runs the fallback loop. It snapshots the catalog once per
// request, resolves the candidate plan, attempts candidates in order through
// the dispatcher, and applies the side effects each failure class demands:
// health penalties, affinity invalidation, adaptive tuning. Every terminal
// path, success or not, lands one usage row and settles the candidate
// records.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/adaptive"
	"github.com/striderhq/strider/internal/affinity"
	"github.com/striderhq/strider/internal/candidate"
	"github.com/striderhq/strider/internal/catalog"
	"github.com/striderhq/strider/internal/config"
	"github.com/striderhq/strider/internal/dispatch"
	"github.com/striderhq/strider/internal/health"
	"github.com/striderhq/strider/internal/ratelimit"
	"github.com/striderhq/strider/internal/records"
	"github.com/striderhq/strider/internal/stream"
	"github.com/striderhq/strider/internal/telemetry"
	"github.com/striderhq/strider/internal/upstream"
	"github.com/striderhq/strider/internal/usage"
)

// maxReasonLen bounds the upstream text carried on the terminal error.
const maxReasonLen = 300

// sessionBuffer decouples the pump from a momentarily slow client writer.
const sessionBuffer = 16

// Request is one authenticated client call, dialect and model still as the
// client sent them.
type Request struct {
	RequestID string
	Caller    *strider.Identity
	Format    strider.Format
	Model     string
	Stream    bool
	Body      []byte
	Header    http.Header
	Query     url.Values
	// Required holds the parsed X-Require-Capability rules.
	Required []strider.CapabilityRule
	// Start is the accept time, the basis for TTFB and response time.
	Start time.Time
}

// Options wires a Relay.
type Options struct {
	Catalog    *catalog.Index
	Resolver   *candidate.Resolver
	Dispatcher *dispatch.Dispatcher
	Affinity   affinity.Store
	Health     *health.Monitor
	Tuner      *adaptive.Manager
	Records    *records.Writer
	Usage      *usage.Recorder
	Config     *config.Config
	Log        *slog.Logger
	Metrics    *telemetry.Metrics
}

// Relay coordinates requests across candidates. Safe for concurrent use.
type Relay struct {
	catalog    *catalog.Index
	resolver   *candidate.Resolver
	dispatcher *dispatch.Dispatcher
	affinity   affinity.Store
	health     *health.Monitor
	tuner      *adaptive.Manager
	records    *records.Writer
	usage      *usage.Recorder
	flushDelay time.Duration
	log        *slog.Logger
	metrics    *telemetry.Metrics
}

// New creates a relay from its collaborators.
func New(opts Options) *Relay {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	r := &Relay{
		catalog:    opts.Catalog,
		resolver:   opts.Resolver,
		dispatcher: opts.Dispatcher,
		affinity:   opts.Affinity,
		health:     opts.Health,
		tuner:      opts.Tuner,
		records:    opts.Records,
		usage:      opts.Usage,
		flushDelay: 100 * time.Millisecond,
		log:        log,
		metrics:    opts.Metrics,
	}
	if opts.Config != nil {
		r.flushDelay = opts.Config.Stream.FlushDelay
	}
	return r
}

// attempt is the winning candidate and the bookkeeping handles the caller
// needs to settle it.
type attempt struct {
	list    *candidate.List
	tracker *records.Tracker
	cand    *strider.Candidate
	slot    int
	started time.Time
}

// Complete relays a non-stream request and returns the response already in
// the client's dialect.
func (r *Relay) Complete(ctx context.Context, req *Request) (*dispatch.Response, error) {
	res, a, err := r.run(ctx, req)
	if err != nil {
		return nil, err
	}
	resp := res.Response
	latency := time.Since(a.started)

	r.setAffinity(ctx, req, a)
	r.health.RecordSuccess(a.cand.Credential.ID, latency)
	cred := a.cand.Credential
	r.tuner.RecordCompletion(cred.ID, res.InFlight, cred.EffectiveCap(0), cred.Adaptive())
	a.tracker.Success(a.slot, resp.StatusCode, latency)
	r.observeAttempt(a.cand, "success", latency)

	r.usage.Record(usage.Outcome{
		RequestID:    req.RequestID,
		KeyID:        callerKey(req.Caller),
		Format:       req.Format,
		ClientModel:  req.Model,
		CanonicalID:  a.list.GlobalModel.ID,
		Candidate:    a.cand,
		StatusCode:   resp.StatusCode,
		Usage:        resp.Usage,
		Body:         req.Body,
		ResponseBody: resp.Body,
		Header:       req.Header,
		Duration:     time.Since(req.Start),
	})
	return resp, nil
}

// Session is a relayed stream. Events yields chunks already in the client's
// dialect and closes when the stream ends; accounting settles inside the
// relay after the last chunk.
type Session struct {
	events chan strider.StreamChunk
}

// Events yields the stream's chunks.
func (s *Session) Events() <-chan strider.StreamChunk { return s.events }

// OpenStream relays a stream request. It returns once an upstream's response
// head has passed sniffing, with chunks flowing on the session channel.
func (r *Relay) OpenStream(ctx context.Context, req *Request) (*Session, error) {
	res, a, err := r.run(ctx, req)
	if err != nil {
		return nil, err
	}

	// The head passed sniffing, so the candidate answered. Pin affinity and
	// credit health now rather than after a body that may run for minutes.
	latency := time.Since(a.started)
	r.setAffinity(ctx, req, a)
	r.health.RecordSuccess(a.cand.Credential.ID, latency)
	r.observeAttempt(a.cand, "success", latency)

	s := &Session{events: make(chan strider.StreamChunk, sessionBuffer)}
	go r.pump(ctx, req, a, res, s)
	return s, nil
}

// run resolves candidates and walks them until one produces a result. All
// error paths account their own usage row; success accounting stays with the
// caller, which knows the outcome's shape.
func (r *Relay) run(ctx context.Context, req *Request) (*dispatch.Result, *attempt, error) {
	snap := r.catalog.Load()

	list, err := r.resolver.Resolve(ctx, snap, candidate.Request{
		Format:   req.Format,
		Model:    req.Model,
		Caller:   req.Caller,
		Stream:   req.Stream,
		Required: req.Required,
	})
	if err != nil {
		r.accountError(req, nil, nil, err)
		return nil, nil, err
	}

	tracker := r.records.Begin(req.RequestID, list.Candidates, req.Required)

	dreq := &dispatch.Request{
		RequestID:    req.RequestID,
		ClientFormat: req.Format,
		Stream:       req.Stream,
		Body:         req.Body,
		Header:       req.Header,
		Query:        req.Query,
		Start:        req.Start,
	}

	var (
		lastErr  error
		lastCand *strider.Candidate
	)

	for i, cand := range list.Candidates {
		if cand.Skipped {
			tracker.Skip(i, cand.SkipReason)
			continue
		}

		// Only a warm prompt cache is worth retrying for; cold candidates
		// fail over immediately.
		budget := 1
		if cand.Cached {
			budget = cand.Endpoint.RetryBudget()
		}

		for try := 0; try < budget; try++ {
			if ctx.Err() != nil {
				err := fmt.Errorf("%w: %v", strider.ErrClientGone, ctx.Err())
				r.accountError(req, list, lastCand, err)
				return nil, nil, err
			}

			started := time.Now()
			res, err := r.dispatcher.Dispatch(ctx, dreq, cand, tracker, i)
			if err == nil {
				return res, &attempt{list: list, tracker: tracker, cand: cand, slot: i, started: started}, nil
			}

			lastErr, lastCand = err, cand
			latency := time.Since(started)
			v := classify(err, req.Format)
			r.applyFailure(ctx, req, list, cand, v, err)
			r.observeAttempt(cand, v.label, latency)

			if v.act == actionRaise {
				tracker.Fail(i, v.status, v.label, err.Error(), latency)
				r.accountError(req, list, cand, v.raise)
				return nil, nil, v.raise
			}
			if v.skip {
				tracker.Skip(i, v.label)
			} else {
				tracker.Fail(i, v.status, v.label, err.Error(), latency)
			}

			r.log.LogAttrs(ctx, slog.LevelWarn, "candidate attempt failed",
				slog.String("request_id", req.RequestID),
				slog.String("provider", cand.Provider.Name),
				slog.String("credential_id", cand.Credential.ID),
				slog.String("error_type", v.label),
				slog.Int("try", try+1),
				slog.String("error", err.Error()),
			)

			if v.act == actionBreak {
				break
			}
		}
	}

	terminal := exhausted(lastErr)
	r.accountError(req, list, lastCand, terminal)
	return nil, nil, terminal
}

// pump forwards chunks to the session until the upstream finishes or the
// client goes away, then settles the attempt.
func (r *Relay) pump(ctx context.Context, req *Request, a *attempt, res *dispatch.Result, s *Session) {
	defer close(s.events)

	st := res.Stream
	clientGone := false

forward:
	for {
		select {
		case c, ok := <-st.Events():
			if !ok {
				break forward
			}
			select {
			case s.events <- c:
			case <-ctx.Done():
				clientGone = true
				break forward
			}
		case <-ctx.Done():
			clientGone = true
			break forward
		}
	}

	if clientGone {
		st.Close()
	}
	result := st.Result()
	if !clientGone && (stream.ClosedByCaller(result.Err) || errors.Is(result.Err, context.Canceled)) {
		clientGone = true
	}
	duration := time.Since(req.Start)
	latency := time.Since(a.started)

	cred := a.cand.Credential
	switch {
	case clientGone:
		res.Slot.Fail()
	case result.Err != nil:
		res.Slot.Fail()
		r.health.RecordFailure(cred.ID, strider.ErrorLabel(result.Err))
	default:
		r.tuner.RecordCompletion(cred.ID, res.InFlight, cred.EffectiveCap(0), cred.Adaptive())
	}
	res.Slot.Release(ctx)

	if r.metrics != nil && result.TTFB > 0 {
		r.metrics.StreamTTFB.WithLabelValues(a.cand.Provider.Name).Observe(result.TTFB.Seconds())
	}

	// Usage frames trail the last data frame on several providers; the
	// short wait lets the row carry what arrives late. Response time is
	// fixed before the wait.
	if r.flushDelay > 0 {
		time.Sleep(r.flushDelay)
	}

	status := http.StatusOK
	var terr error
	switch {
	case clientGone:
		status = strider.StatusClientClosed
		terr = strider.ErrClientGone
		a.tracker.Fail(a.slot, status, strider.ErrorLabel(terr), terr.Error(), latency)
	case result.Err != nil:
		terr = result.Err
		status = strider.HTTPStatus(terr)
		a.tracker.Fail(a.slot, status, strider.ErrorLabel(terr), terr.Error(), latency)
	default:
		a.tracker.Success(a.slot, status, latency)
	}

	r.usage.Record(usage.Outcome{
		RequestID:   req.RequestID,
		KeyID:       callerKey(req.Caller),
		Format:      req.Format,
		ClientModel: req.Model,
		CanonicalID: a.list.GlobalModel.ID,
		Candidate:   a.cand,
		Stream:      true,
		StatusCode:  status,
		Err:         terr,
		Usage:       result.Usage,
		TextChars:   result.TextChars,
		Body:        req.Body,
		Header:      req.Header,
		TTFB:        result.TTFB,
		Duration:    duration,
	})
}

// action is what the decision table tells the candidate loop to do next.
type action int

const (
	actionContinue action = iota // next retry, or next candidate
	actionBreak                  // abandon this candidate
	actionRaise                  // abandon the request
)

// verdict is one classified failure: the loop action plus the side effects
// the failure class demands.
type verdict struct {
	act    action
	label  string
	status int
	// raise is the error surfaced to the client when act is actionRaise.
	raise error
	// skip records the row as skipped rather than failed.
	skip bool
	// kind is the classified 429 kind, empty otherwise.
	kind ratelimit.Kind
	// invalidate drops the caller's affinity to this candidate.
	invalidate bool
	// penalty counts against the credential's health.
	penalty bool
}

// classify is the decision table mapping one attempt error to its verdict.
func classify(err error, format strider.Format) verdict {
	if errors.Is(err, strider.ErrConcurrencyLimit) {
		// Admission refusal: nothing reached the wire, and retrying the
		// same saturated credential would only queue behind itself.
		return verdict{act: actionBreak, label: "concurrency_limit", skip: true}
	}

	var ae *dispatch.AttemptError
	if !errors.As(err, &ae) {
		// Dispatch wraps everything after admission; anything else is a
		// bug surfacing, not a candidate failure.
		return verdict{act: actionRaise, raise: err, label: strider.ErrorLabel(err), status: strider.HTTPStatus(err)}
	}

	if errors.Is(err, strider.ErrBadRequest) {
		// The body would not translate; no other candidate of this dialect
		// will fare better.
		return verdict{act: actionRaise, raise: ae.Err, label: "bad_request", status: http.StatusBadRequest}
	}

	var ue *upstream.Error
	if errors.As(err, &ue) {
		return classifyUpstream(ae, ue, format)
	}

	// Transport failures, timeouts, and head-sniff stream errors: the
	// candidate is suspect, the request is fine.
	return verdict{
		act:        actionContinue,
		label:      attemptLabel(err),
		status:     embeddedStatus(err),
		invalidate: true,
		penalty:    true,
	}
}

func classifyUpstream(ae *dispatch.AttemptError, ue *upstream.Error, format strider.Format) verdict {
	switch {
	case ue.StatusCode == http.StatusUnauthorized || ue.StatusCode == http.StatusForbidden:
		// The credential is broken; the request may succeed elsewhere.
		return verdict{act: actionContinue, label: ue.ErrorLabel(), status: ue.StatusCode, invalidate: true, penalty: true}

	case ue.StatusCode == http.StatusTooManyRequests:
		c := ratelimit.Classify(ue.Header, format, ae.InFlight)
		return verdict{
			act:    actionContinue,
			label:  "rate_limited",
			status: ue.StatusCode,
			kind:   c.Kind,
			// Window limits clear on their own; concurrency and
			// unclassified 429s mean the affinity target is saturated and
			// steering more cached traffic at it makes things worse.
			invalidate: c.Kind == ratelimit.KindConcurrency || c.Kind == ratelimit.KindUnknown,
			penalty:    true,
		}

	case rejectedRequest(ue):
		// The provider refused the request itself; it cannot succeed
		// anywhere, so the caller gets the provider's own reason.
		return verdict{act: actionRaise, raise: &rejection{reason: ue.Reason()}, label: "client_request", status: ue.StatusCode}

	default:
		return verdict{act: actionContinue, label: ue.ErrorLabel(), status: ue.StatusCode, invalidate: true, penalty: true}
	}
}

// applyFailure runs the verdict's side effects.
func (r *Relay) applyFailure(ctx context.Context, req *Request, list *candidate.List, cand *strider.Candidate, v verdict, err error) {
	if v.kind != "" {
		inFlight := 0
		var ae *dispatch.AttemptError
		if errors.As(err, &ae) {
			inFlight = ae.InFlight
		}
		r.tuner.Record429(cand.Credential.ID, v.kind, inFlight, cand.Credential.Adaptive())
		if r.metrics != nil {
			r.metrics.RateLimit429s.WithLabelValues(string(v.kind)).Inc()
		}
	}
	if v.invalidate {
		key := affinity.Key{CallerID: req.Caller.KeyID, Format: req.Format, ModelID: list.GlobalModel.ID}
		entry := affinity.Entry{EndpointID: cand.Endpoint.ID, CredentialID: cand.Credential.ID}
		if ierr := r.affinity.Invalidate(ctx, key, entry); ierr != nil {
			r.log.LogAttrs(ctx, slog.LevelDebug, "affinity invalidate failed",
				slog.String("credential_id", cand.Credential.ID),
				slog.String("error", ierr.Error()),
			)
		}
	}
	if v.penalty {
		r.health.RecordFailure(cand.Credential.ID, v.label)
	}
}

// setAffinity pins the caller to the winning endpoint and credential when
// the credential's prompt cache makes the pairing worth keeping.
func (r *Relay) setAffinity(ctx context.Context, req *Request, a *attempt) {
	ttl := a.cand.Credential.CacheTTL()
	if ttl <= 0 {
		return
	}
	key := affinity.Key{CallerID: req.Caller.KeyID, Format: req.Format, ModelID: a.list.GlobalModel.ID}
	entry := affinity.Entry{EndpointID: a.cand.Endpoint.ID, CredentialID: a.cand.Credential.ID}
	if err := r.affinity.Set(ctx, key, entry, ttl); err != nil {
		r.log.LogAttrs(ctx, slog.LevelDebug, "affinity set failed",
			slog.String("credential_id", a.cand.Credential.ID),
			slog.String("error", err.Error()),
		)
	}
}

// accountError lands the usage row for a request that never produced a
// client response.
func (r *Relay) accountError(req *Request, list *candidate.List, cand *strider.Candidate, err error) {
	o := usage.Outcome{
		RequestID:   req.RequestID,
		KeyID:       callerKey(req.Caller),
		Format:      req.Format,
		ClientModel: req.Model,
		Candidate:   cand,
		Stream:      req.Stream,
		StatusCode:  strider.HTTPStatus(err),
		Err:         err,
		Body:        req.Body,
		Header:      req.Header,
		Duration:    time.Since(req.Start),
	}
	if list != nil && list.GlobalModel != nil {
		o.CanonicalID = list.GlobalModel.ID
	}
	r.usage.Record(o)
}

func (r *Relay) observeAttempt(cand *strider.Candidate, outcome string, latency time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.AttemptsTotal.WithLabelValues(cand.Provider.Name, outcome).Inc()
	r.metrics.AttemptDuration.WithLabelValues(cand.Provider.Name).Observe(latency.Seconds())
}

// rejection carries the provider's own description of a request the caller
// must change. It reads as a client-request error at the boundary while the
// message stays exactly the provider's.
type rejection struct {
	reason string
}

func (e *rejection) Error() string        { return e.reason }
func (e *rejection) Is(target error) bool { return target == strider.ErrClientRequest }

// clientRequestPatterns match provider messages for requests the caller must
// change before any candidate can accept them. They gate on 400/413 so
// transient refusals never match.
var clientRequestPatterns = []string{
	"prompt is too long",
	"context_length_exceeded",
	"maximum context length",
	"invalid_prompt",
	"image exceeds",
	"string too long",
	"too many total text bytes",
	"request too large",
}

func rejectedRequest(ue *upstream.Error) bool {
	if ue.StatusCode != http.StatusBadRequest && ue.StatusCode != http.StatusRequestEntityTooLarge {
		return false
	}
	reason := strings.ToLower(ue.Reason())
	for _, p := range clientRequestPatterns {
		if strings.Contains(reason, p) {
			return true
		}
	}
	return false
}

// attemptLabel names a non-HTTP attempt failure. Typed stream failures carry
// their own kind; the rest split into timeouts and transport.
func attemptLabel(err error) string {
	if upstream.IsTimeout(err) {
		return "timeout"
	}
	if l := strider.ErrorLabel(err); l != "internal_error" {
		return l
	}
	return "transport"
}

// embeddedStatus returns the HTTP-equivalent status of a failure that never
// produced a response status, 0 when there is none.
func embeddedStatus(err error) int {
	var ee *stream.EmbeddedError
	if errors.As(err, &ee) {
		return ee.HTTPStatus()
	}
	return 0
}

// exhausted builds the terminal error once every candidate has failed. The
// last upstream reason rides along so callers see the real cause.
func exhausted(last error) error {
	if last == nil {
		return strider.ErrAllCandidatesFailed
	}
	reason := ""
	var ue *upstream.Error
	if errors.As(last, &ue) {
		reason = ue.Reason()
	} else {
		reason = last.Error()
	}
	if reason == "" {
		return strider.ErrAllCandidatesFailed
	}
	return fmt.Errorf("%w: %s", strider.ErrAllCandidatesFailed, truncate(reason, maxReasonLen))
}

func callerKey(id *strider.Identity) string {
	if id == nil {
		return ""
	}
	return id.KeyID
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
