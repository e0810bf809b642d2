// Package records tracks the per-attempt trace of a request. The relay
// pre-creates one row per candidate slot, marks transitions as attempts
// advance, and a batching writer flushes rows to the store off the hot path.
package records

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	strider "github.com/striderhq/strider/internal"
)

const (
	chanSize        = 1024
	drainTime       = 30 * time.Second
	maxErrorMessage = 500
)

// Store persists trace rows. Flushing an id again advances the row.
type Store interface {
	UpsertCandidateRecords(ctx context.Context, recs []strider.CandidateRecord) error
}

// Writer batches trace rows and flushes them to the store. Enqueueing never
// blocks; rows are dropped with a warning when the buffer is full.
type Writer struct {
	ch       chan strider.CandidateRecord
	store    Store
	batch    int
	interval time.Duration
	log      *slog.Logger
}

// NewWriter creates a Writer flushing every interval or whenever batch rows
// are buffered.
func NewWriter(store Store, batch int, interval time.Duration, log *slog.Logger) *Writer {
	if batch <= 0 {
		batch = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		ch:       make(chan strider.CandidateRecord, chanSize),
		store:    store,
		batch:    batch,
		interval: interval,
		log:      log,
	}
}

// Name returns the worker identifier.
func (w *Writer) Name() string { return "record_writer" }

// Begin allocates the trace rows for one request, one per candidate slot,
// and enqueues them as "available". Skip marking stays with the relay loop,
// which owns the reason.
func (w *Writer) Begin(requestID string, cands []*strider.Candidate, required []strider.CapabilityRule) *Tracker {
	now := time.Now().UTC()
	tr := &Tracker{writer: w, rows: make([]strider.CandidateRecord, len(cands))}
	for i, c := range cands {
		rec := strider.CandidateRecord{
			ID:           uuid.Must(uuid.NewV7()).String(),
			RequestID:    requestID,
			Attempt:      i + 1,
			ProviderID:   c.Provider.ID,
			EndpointID:   c.Endpoint.ID,
			CredentialID: c.Credential.ID,
			Cached:       c.Cached,
			RequiredCaps: required,
			Status:       strider.CandidateAvailable,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		tr.rows[i] = rec
		w.enqueue(rec)
	}
	return tr
}

// Run consumes rows until ctx is cancelled, then drains what is buffered.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	buf := make([]strider.CandidateRecord, 0, w.batch)
	for {
		select {
		case r := <-w.ch:
			buf = append(buf, r)
			if len(buf) >= w.batch {
				w.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				w.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			w.drainRemaining(buf)
			return nil
		}
	}
}

func (w *Writer) drainRemaining(buf []strider.CandidateRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTime)
	defer cancel()

	for {
		select {
		case r := <-w.ch:
			buf = append(buf, r)
			if len(buf) >= w.batch {
				w.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				w.flush(ctx, buf)
			}
			return
		}
	}
}

// flush compacts the batch by id so one statement carries each row's latest
// state, then writes.
func (w *Writer) flush(ctx context.Context, buf []strider.CandidateRecord) {
	compact := make([]strider.CandidateRecord, 0, len(buf))
	seen := make(map[string]int, len(buf))
	for _, r := range buf {
		if j, ok := seen[r.ID]; ok {
			compact[j] = r
			continue
		}
		seen[r.ID] = len(compact)
		compact = append(compact, r)
	}

	if err := w.store.UpsertCandidateRecords(ctx, compact); err != nil {
		w.log.LogAttrs(ctx, slog.LevelError, "candidate record flush failed",
			slog.Int("count", len(compact)),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Writer) enqueue(r strider.CandidateRecord) {
	select {
	case w.ch <- r:
	default:
		w.log.LogAttrs(context.Background(), slog.LevelWarn, "candidate record dropped, buffer full",
			slog.String("request_id", r.RequestID),
		)
	}
}

// Tracker owns the rows of one request. The mutex covers the handoff from
// the relay loop to the delayed stream-telemetry goroutine.
type Tracker struct {
	writer *Writer
	mu     sync.Mutex
	rows   []strider.CandidateRecord
}

// Len returns the number of slots.
func (t *Tracker) Len() int { return len(t.rows) }

// ID returns the row id of slot i.
func (t *Tracker) ID(i int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows[i].ID
}

// Row returns a copy of slot i.
func (t *Tracker) Row(i int) strider.CandidateRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows[i]
}

// Skip marks slot i skipped with the resolver's reason.
func (t *Tracker) Skip(i int, reason string) {
	t.update(i, func(r *strider.CandidateRecord) {
		r.Status = strider.CandidateSkipped
		r.ErrorType = reason
	})
}

// Pending marks slot i as dispatched, recording the observed in-flight
// count for the adaptive tuner.
func (t *Tracker) Pending(i, inFlight int) {
	t.update(i, func(r *strider.CandidateRecord) {
		r.Status = strider.CandidatePending
		r.InFlight = inFlight
		r.StatusCode = 0
		r.ErrorType = ""
		r.ErrorMessage = ""
	})
}

// Streaming marks slot i as forwarding stream bytes.
func (t *Tracker) Streaming(i int) {
	t.update(i, func(r *strider.CandidateRecord) {
		r.Status = strider.CandidateStreaming
	})
}

// Success finishes slot i.
func (t *Tracker) Success(i, statusCode int, latency time.Duration) {
	t.update(i, func(r *strider.CandidateRecord) {
		r.Status = strider.CandidateSuccess
		r.StatusCode = statusCode
		r.LatencyMs = latency.Milliseconds()
	})
}

// Fail finishes slot i with a classified error.
func (t *Tracker) Fail(i, statusCode int, errType, errMsg string, latency time.Duration) {
	t.update(i, func(r *strider.CandidateRecord) {
		r.Status = strider.CandidateFailed
		r.StatusCode = statusCode
		r.ErrorType = errType
		r.ErrorMessage = truncate(errMsg, maxErrorMessage)
		r.LatencyMs = latency.Milliseconds()
	})
}

// SetExtra attaches one key to slot i's extra map.
func (t *Tracker) SetExtra(i int, key, value string) {
	t.update(i, func(r *strider.CandidateRecord) {
		if r.Extra == nil {
			r.Extra = make(map[string]string, 1)
		}
		r.Extra[key] = value
	})
}

func (t *Tracker) update(i int, fn func(*strider.CandidateRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.rows) {
		return
	}
	fn(&t.rows[i])
	t.rows[i].UpdatedAt = time.Now().UTC()

	// The flush goroutine marshals enqueued rows; hand it its own map.
	rec := t.rows[i]
	rec.Extra = maps.Clone(rec.Extra)
	t.writer.enqueue(rec)
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
