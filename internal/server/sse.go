package server

import (
	"bytes"
	"net/http"
	"time"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/relay"
)

// keepAliveEvery is the SSE comment cadence that keeps idle proxies from
// reaping a slow generation.
const keepAliveEvery = 15 * time.Second

// Pre-allocated byte slices for SSE formatting. These avoid heap allocations
// on every write in the streaming hot path.
var (
	sseEventPrefix = []byte("event: ")
	sseDataPrefix  = []byte("data: ")
	sseNewline     = []byte("\n")
	sseBlank       = []byte("\n\n")
	sseDone        = []byte("data: [DONE]\n\n")
	sseKeepAlive   = []byte(": keep-alive\n\n")
	doneSentinel   = []byte("[DONE]")
)

// Pre-allocated header value slices for SSE responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseCT           = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// writeSSEHeaders sets the response headers for an SSE stream.
func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseCT
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

// writeSSE relays session chunks as server-sent events in the client's
// dialect. Same-dialect streams carry raw frames and pass byte-for-byte;
// converted chunks are framed here. Only the OpenAI chat dialect terminates
// with the [DONE] sentinel; Anthropic ends on message_stop, Responses on
// response.completed, and Gemini simply closes.
func (s *server) writeSSE(w http.ResponseWriter, r *http.Request, format strider.Format, sess *relay.Session) {
	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.log.Error("response writer does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveEvery)
	defer keepAlive.Stop()

	wantDone := format.Base() == strider.FormatOpenAI
	doneSent := false

	for {
		select {
		case c, ok := <-sess.Events():
			if !ok {
				if wantDone && !doneSent {
					w.Write(sseDone)
					flusher.Flush()
				}
				return
			}
			switch {
			case c.Err != nil:
				// Headers are long gone; the failure travels in-band as an
				// error event and the stream ends.
				writeSSEError(w, format, c.Err)
				if wantDone && !doneSent {
					w.Write(sseDone)
				}
				flusher.Flush()
				return
			case len(c.Raw) > 0:
				// A passthrough upstream carries its own sentinel; remember it
				// so the close does not append a second one.
				if bytes.Equal(bytes.TrimSpace(c.Data), doneSentinel) {
					doneSent = true
				}
				w.Write(c.Raw)
			case c.Done && len(c.Data) == 0:
				if wantDone && !doneSent {
					w.Write(sseDone)
					doneSent = true
				}
			case len(c.Data) > 0:
				if c.Event != "" {
					w.Write(sseEventPrefix)
					w.Write([]byte(c.Event))
					w.Write(sseNewline)
				}
				w.Write(sseDataPrefix)
				w.Write(c.Data)
				w.Write(sseBlank)
			default:
				continue
			}
			flusher.Flush()

		case <-keepAlive.C:
			w.Write(sseKeepAlive)
			flusher.Flush()

		case <-r.Context().Done():
			// The relay pump sees the same context and settles accounting.
			return
		}
	}
}

// writeSSEError emits one terminal error event in the client's dialect.
func writeSSEError(w http.ResponseWriter, format strider.Format, err error) {
	status := strider.HTTPStatus(err)
	msg := err.Error()
	if format.Base() == strider.FormatClaude {
		w.Write(sseEventPrefix)
		w.Write([]byte("error"))
		w.Write(sseNewline)
	}
	w.Write(sseDataPrefix)
	w.Write(errorBody(format, status, strider.ErrorLabel(err), msg))
	w.Write(sseBlank)
}

// JSON-array framing for Gemini streams requested without alt=sse.
var (
	arrayOpen  = []byte("[")
	arraySep   = []byte(",\n")
	arrayClose = []byte("]\n")
	arrayEmpty = []byte("[]\n")
)

// writeJSONArray relays a Gemini stream in its JSON-array framing. A
// same-dialect upstream passes through raw with its own brackets; converted
// chunks are framed here.
func (s *server) writeJSONArray(w http.ResponseWriter, r *http.Request, format strider.Format, sess *relay.Session) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	raw := false    // upstream bytes carry their own brackets
	open := false   // we wrote the opening bracket
	closed := false // the array is complete

	element := func(b []byte) {
		if !open {
			w.Write(arrayOpen)
			open = true
		} else {
			w.Write(arraySep)
		}
		w.Write(b)
	}
	finish := func() {
		if closed || raw {
			closed = true
			return
		}
		closed = true
		if open {
			w.Write(arrayClose)
		} else {
			w.Write(arrayEmpty)
		}
	}

	for {
		select {
		case c, ok := <-sess.Events():
			if !ok {
				finish()
				flush()
				return
			}
			switch {
			case c.Err != nil:
				status := strider.HTTPStatus(c.Err)
				element(errorBody(format, status, strider.ErrorLabel(c.Err), c.Err.Error()))
				finish()
				flush()
				return
			case len(c.Raw) > 0:
				raw = true
				w.Write(c.Raw)
			case c.Done && len(c.Data) == 0:
				finish()
			case len(c.Data) > 0:
				element(c.Data)
			default:
				continue
			}
			flush()

		case <-r.Context().Done():
			return
		}
	}
}
