package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/config"
	"github.com/striderhq/strider/internal/convert"
)

var errClosed = errors.New("stream: closed by caller")

var doneSentinel = []byte("[DONE]")

// Options configure a stream attempt.
type Options struct {
	// Upstream is the dialect of the upstream response.
	Upstream strider.Format
	// Converter translates upstream chunks into the client dialect. Nil
	// forwards frames unchanged.
	Converter convert.ChunkConverter
	// SSE marks a Gemini upstream that replied with alt=sse framing. Other
	// dialects always stream SSE and ignore it.
	SSE bool
	// ContentType is the upstream response content type. Bedrock endpoints
	// answer with binary event stream framing and are detected here.
	ContentType string
	// Provider labels log lines.
	Provider string
	// Start is the request accept time, the TTFB basis.
	Start time.Time

	Config config.StreamConfig
	Log    *slog.Logger
}

// Result is the stream outcome, valid once Events is drained.
type Result struct {
	Usage      strider.Usage
	TTFB       time.Duration
	DataFrames int
	ResponseID string
	// TextChars is the length of generated text observed in the upstream
	// frames, kept for token estimation when Usage stays empty.
	TextChars int
	// Err is non-nil when the stream ended abnormally after Open returned.
	Err error
}

// Stream is a live upstream response whose head already passed sniffing.
// Events yields chunks until the upstream ends; Result then reports the
// terminal state.
type Stream struct {
	opts Options
	cfg  config.StreamConfig
	log  *slog.Logger

	body     io.ReadCloser
	reader   FrameReader
	stall    *time.Timer
	timedOut atomic.Bool

	held  []*Frame
	first time.Time
	sink  *usageSink
	head  *headCapture

	events    chan strider.StreamChunk
	done      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once

	doneSent bool
	result   Result
}

// Open reads the head of an upstream stream and fails fast on embedded
// errors, HTML bodies, and empty responses so the caller can try another
// candidate before any byte reaches the client. Frames consumed while
// sniffing are held and replayed first.
func Open(ctx context.Context, body io.ReadCloser, opts Options) (*Stream, error) {
	cfg := opts.Config
	if cfg.SniffFrames <= 0 {
		cfg.SniffFrames = 5
	}
	if cfg.EmptyChunkMax <= 0 {
		cfg.EmptyChunkMax = 8
	}
	if cfg.DataTimeout <= 0 {
		cfg.DataTimeout = 30 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Stream{
		opts:   opts,
		cfg:    cfg,
		log:    log,
		body:   body,
		sink:   newUsageSink(opts.Upstream),
		head:   newHeadCapture(1024),
		events: make(chan strider.StreamChunk, 16),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}

	// A read on a dead connection only unblocks when the body closes.
	s.stall = time.AfterFunc(cfg.DataTimeout, func() {
		s.timedOut.Store(true)
		body.Close()
	})

	br := bufio.NewReaderSize(body, 4096)
	if _, err := br.Peek(1); err != nil {
		s.stall.Stop()
		body.Close()
		return nil, s.sniffFailure(err)
	}
	s.first = time.Now()
	s.stall.Reset(cfg.DataTimeout)

	if head, _ := br.Peek(br.Buffered()); looksHTML(string(head)) {
		s.head.Write(head)
		s.stall.Stop()
		body.Close()
		return nil, &EmbeddedError{
			Kind:    KindHTML,
			Status:  http.StatusBadGateway,
			Message: s.head.String(),
		}
	}

	if strings.HasPrefix(opts.ContentType, eventStreamContentType) {
		s.reader = NewBedrockReader(br)
	} else {
		s.reader = NewFrameReader(opts.Upstream, opts.SSE, br)
	}

	// Sniff window: hold frames back until the stream proves healthy.
	for i := 0; i < cfg.SniffFrames; i++ {
		f, err := s.next()
		if err != nil {
			s.stall.Stop()
			body.Close()
			return nil, s.sniffFailure(err)
		}
		s.held = append(s.held, f)
		if e := sniffFrame(opts.Upstream, f); e != nil {
			s.stall.Stop()
			body.Close()
			return nil, e
		}
		if usableData(f) {
			break
		}
	}

	s.result.TTFB = s.first.Sub(opts.Start)
	go s.run(ctx)
	return s, nil
}

func (s *Stream) sniffFailure(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &EmbeddedError{Kind: KindEmpty, Message: "upstream closed without data"}
	}
	if s.timedOut.Load() {
		return &EmbeddedError{
			Kind:    KindTimeout,
			Status:  http.StatusGatewayTimeout,
			Message: "no data before timeout",
		}
	}
	return fmt.Errorf("stream: read head: %w", err)
}

// Events yields stream chunks. The channel closes when the upstream ends or
// fails.
func (s *Stream) Events() <-chan strider.StreamChunk { return s.events }

// Result blocks until the stream finishes.
func (s *Stream) Result() Result {
	<-s.done
	return s.result
}

// Close abandons the stream. Safe from any goroutine at any time.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.body.Close()
	})
	return nil
}

// ClosedByCaller reports whether a Result error means Close ended the stream
// rather than the upstream.
func ClosedByCaller(err error) bool { return errors.Is(err, errClosed) }

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		s.result.Usage = s.sink.usage
		s.result.ResponseID = s.sink.id
		s.result.TextChars = s.sink.textChars
	}()
	defer close(s.events)
	defer s.body.Close()
	defer s.stall.Stop()

	emptyRun := 0
	lastData := time.Now()

	for {
		var f *Frame
		if len(s.held) > 0 {
			f, s.held = s.held[0], s.held[1:]
		} else {
			var err error
			f, err = s.next()
			if err != nil {
				s.finish(ctx, err)
				return
			}
		}

		if usableData(f) {
			emptyRun = 0
			lastData = time.Now()
			s.result.DataFrames++
			s.sink.observe(f.Data)
		} else {
			emptyRun++
			if emptyRun > s.cfg.EmptyChunkMax && time.Since(lastData) > s.cfg.DataTimeout {
				s.fail(ctx, &EmbeddedError{
					Kind:    KindTimeout,
					Status:  http.StatusGatewayTimeout,
					Message: "no data frames before timeout",
				})
				return
			}
		}

		if !s.forward(ctx, f) {
			return
		}
	}
}

// next reads one frame and re-arms the stall guard.
func (s *Stream) next() (*Frame, error) {
	f, err := s.reader.Next()
	if err != nil {
		return nil, err
	}
	s.stall.Reset(s.cfg.DataTimeout)
	s.head.Write(f.Raw)
	return f, nil
}

// finish classifies the terminal read state and emits any closing chunks.
func (s *Stream) finish(ctx context.Context, err error) {
	clean := errors.Is(err, io.EOF)
	switch {
	case clean && s.result.DataFrames == 0:
		// Headers said stream, body said nothing: the endpoint is almost
		// certainly misconfigured.
		s.fail(ctx, &EmbeddedError{Kind: KindEmpty, Message: "stream ended without data"})
	case clean:
		if s.opts.Converter != nil {
			if outs, cerr := s.opts.Converter.Chunk(strider.StreamChunk{Done: true}); cerr == nil {
				s.emitAll(ctx, outs)
			}
		}
	case s.timedOut.Load():
		s.fail(ctx, &EmbeddedError{
			Kind:    KindTimeout,
			Status:  http.StatusGatewayTimeout,
			Message: "upstream stalled",
		})
	default:
		select {
		case <-s.quit:
			s.result.Err = errClosed
			return
		default:
		}
		// Bytes already flowed, so the attempt cannot be retried; the
		// client stream ends with a synthesized error event.
		s.fail(ctx, &EmbeddedError{Kind: KindConnection, Message: err.Error()})
	}
}

func (s *Stream) fail(ctx context.Context, e *EmbeddedError) {
	s.result.Err = e
	s.emit(ctx, strider.StreamChunk{Err: e, Done: true})
}

// forward hands one frame to the consumer, converting when the client speaks
// another dialect. It reports false when the consumer is gone.
func (s *Stream) forward(ctx context.Context, f *Frame) bool {
	if s.opts.Converter == nil {
		return s.emit(ctx, strider.StreamChunk{Event: f.Event, Data: f.Data, Raw: f.Raw})
	}
	in, ok := converterInput(f)
	if !ok {
		return true
	}
	outs, err := s.opts.Converter.Chunk(in)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "dropping unconvertible frame",
			slog.String("provider", s.opts.Provider),
			slog.String("error", err.Error()))
		return true
	}
	return s.emitAll(ctx, outs)
}

// converterInput maps a frame to a converter chunk. Comment-only frames
// carry nothing to convert; the sentinel becomes a Done signal.
func converterInput(f *Frame) (strider.StreamChunk, bool) {
	if !f.HasData() {
		return strider.StreamChunk{}, false
	}
	if bytes.Equal(bytes.TrimSpace(f.Data), doneSentinel) {
		return strider.StreamChunk{Done: true}, true
	}
	return strider.StreamChunk{Event: f.Event, Data: f.Data}, true
}

func (s *Stream) emitAll(ctx context.Context, chunks []strider.StreamChunk) bool {
	for _, c := range chunks {
		if !s.emit(ctx, c) {
			return false
		}
	}
	return true
}

func (s *Stream) emit(ctx context.Context, c strider.StreamChunk) bool {
	if c.Done {
		// A second bare Done would make the writer close the client
		// stream twice.
		if s.doneSent && c.Event == "" && len(c.Data) == 0 && c.Err == nil && c.Usage == nil {
			return true
		}
		s.doneSent = true
	}
	select {
	case s.events <- c:
		return true
	case <-ctx.Done():
		if s.result.Err == nil {
			s.result.Err = ctx.Err()
		}
		return false
	case <-s.quit:
		if s.result.Err == nil {
			s.result.Err = errClosed
		}
		return false
	}
}

// usableData reports whether a frame carries payload the client can use.
// Keep-alive pings and the terminating sentinel do not count, so a stream
// of nothing but pings still registers as empty.
func usableData(f *Frame) bool {
	if !f.HasData() || f.Event == "ping" {
		return false
	}
	return !bytes.Equal(bytes.TrimSpace(f.Data), doneSentinel)
}
