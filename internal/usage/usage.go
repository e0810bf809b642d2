// Package usage turns terminal request outcomes into ledger rows. A
// batching recorder fills in token estimates for responses that carried no
// usage block, scrubs credentials out of stored headers, and flushes rows
// to the store off the hot path.
package usage

import (
	"context"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/telemetry"
	"github.com/striderhq/strider/internal/tokencount"
)

const (
	chanSize        = 1024
	drainTime       = 30 * time.Second
	maxErrorMessage = 500
)

// Store persists ledger rows.
type Store interface {
	InsertUsage(ctx context.Context, recs []strider.UsageRecord) error
}

// Outcome is the terminal accounting of one request: who asked, what was
// tried, how it ended, and what it cost. Exactly one Outcome is recorded
// per request, whether it succeeded, failed over every candidate, or the
// client went away mid-stream.
type Outcome struct {
	RequestID   string
	KeyID       string
	Format      strider.Format
	ClientModel string
	// CanonicalID is the resolved global model id; empty when resolution
	// never got that far.
	CanonicalID string
	// Candidate is the last candidate contacted; nil when the request
	// failed before any upstream call.
	Candidate  *strider.Candidate
	Stream     bool
	StatusCode int
	Err        error
	Usage      strider.Usage
	// TextChars is the stream sink's generated-character tally, the input
	// to output estimation when the stream carried no usage block.
	TextChars int
	// Body is the client's request body, read for input estimation.
	Body []byte
	// ResponseBody is the complete non-stream response in the client's
	// dialect, read for output estimation.
	ResponseBody []byte
	// Header is the client's request headers. Credential-bearing entries
	// are scrubbed before the row persists.
	Header   http.Header
	TTFB     time.Duration
	Duration time.Duration
}

// Recorder builds ledger rows from outcomes and batch-flushes them to the
// store. Recording never blocks; rows are dropped with a warning when the
// buffer is full.
type Recorder struct {
	ch       chan strider.UsageRecord
	store    Store
	counter  *tokencount.Counter
	batch    int
	interval time.Duration
	log      *slog.Logger
	metrics  *telemetry.Metrics
}

// NewRecorder creates a Recorder flushing every interval or whenever batch
// rows are buffered.
func NewRecorder(store Store, batch int, interval time.Duration, log *slog.Logger, metrics *telemetry.Metrics) *Recorder {
	if batch <= 0 {
		batch = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		ch:       make(chan strider.UsageRecord, chanSize),
		store:    store,
		counter:  tokencount.NewCounter(),
		batch:    batch,
		interval: interval,
		log:      log,
		metrics:  metrics,
	}
}

// Name returns the worker identifier.
func (r *Recorder) Name() string { return "usage_recorder" }

// Record builds the ledger row for one outcome and enqueues it.
func (r *Recorder) Record(o Outcome) {
	rec := r.build(o)
	select {
	case r.ch <- rec:
	default:
		r.log.LogAttrs(context.Background(), slog.LevelWarn, "usage record dropped, buffer full",
			slog.String("request_id", rec.RequestID),
		)
	}
	if r.metrics != nil {
		r.metrics.UsageQueueLength.Set(float64(len(r.ch)))
	}
}

// build converts an outcome into a ledger row. Token counters missing from
// a successful response are estimated from the bodies and flagged.
func (r *Recorder) build(o Outcome) strider.UsageRecord {
	rec := strider.UsageRecord{
		RequestID:        o.RequestID,
		KeyID:            o.KeyID,
		Format:           o.Format,
		ClientModel:      o.ClientModel,
		CanonicalModelID: o.CanonicalID,
		Stream:           o.Stream,
		StatusCode:       o.StatusCode,
		Usage:            o.Usage,
		TTFBMs:           o.TTFB.Milliseconds(),
		ResponseTimeMs:   o.Duration.Milliseconds(),
		RequestHeaders:   scrubHeaders(o.Header),
		CreatedAt:        time.Now().UTC(),
	}

	model := o.ClientModel
	if o.Candidate != nil {
		rec.ProviderID = o.Candidate.Provider.ID
		rec.EndpointID = o.Candidate.Endpoint.ID
		rec.CredentialID = o.Candidate.Credential.ID
		model = o.Candidate.Model.UpstreamName
	}

	if o.Err != nil {
		rec.ErrorType = strider.ErrorLabel(o.Err)
		rec.ErrorMessage = truncate(o.Err.Error(), maxErrorMessage)
	}

	if o.Err == nil && o.StatusCode < 300 && rec.Usage.Empty() {
		rec.Usage.Input = r.counter.EstimateRequest(o.Format, model, o.Body)
		if o.Stream {
			rec.Usage.Output = tokencount.CharsToTokens(o.TextChars)
		} else {
			rec.Usage.Output = int64(r.counter.Count(model, tokencount.ResponseText(o.Format, o.ResponseBody)))
		}
		rec.UsageEstimated = true
	}

	r.observeTokens(model, rec.Usage)
	return rec
}

func (r *Recorder) observeTokens(model string, u strider.Usage) {
	if r.metrics == nil || u.Empty() {
		return
	}
	add := func(kind string, n int64) {
		if n > 0 {
			r.metrics.TokensProcessed.WithLabelValues(model, kind).Add(float64(n))
		}
	}
	add("input", u.Input)
	add("output", u.Output)
	add("cache_read", u.CacheRead)
	add("cache_creation", u.CacheCreation)
}

// Run consumes rows until ctx is cancelled, then drains what is buffered.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	buf := make([]strider.UsageRecord, 0, r.batch)
	for {
		select {
		case rec := <-r.ch:
			buf = append(buf, rec)
			if len(buf) >= r.batch {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			r.drainRemaining(buf)
			return nil
		}
	}
}

func (r *Recorder) drainRemaining(buf []strider.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTime)
	defer cancel()

	for {
		select {
		case rec := <-r.ch:
			buf = append(buf, rec)
			if len(buf) >= r.batch {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				r.flush(ctx, buf)
			}
			return
		}
	}
}

// flush writes a batch. Ids are assigned here, off the hot path.
func (r *Recorder) flush(ctx context.Context, buf []strider.UsageRecord) {
	batch := make([]strider.UsageRecord, len(buf))
	copy(batch, buf)
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := r.store.InsertUsage(ctx, batch); err != nil {
		r.log.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
	if r.metrics != nil {
		r.metrics.UsageQueueLength.Set(float64(len(r.ch)))
	}
}

// scrubbed lists header keys that never persist.
var scrubbed = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"Cookie":              true,
	"X-Api-Key":           true,
	"Api-Key":             true,
	"X-Goog-Api-Key":      true,
}

// scrubHeaders flattens request headers to first values, dropping
// credential-bearing keys.
func scrubHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 || scrubbed[http.CanonicalHeaderKey(k)] {
			continue
		}
		out[k] = v[0]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
