// Package stream parses upstream response streams: SSE and Gemini's
// JSON-array framing, early embedded-error sniffing, per-dialect usage
// extraction, and the producer loop that feeds chunks to the client writer.
package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	strider "github.com/striderhq/strider/internal"
)

// maxLineSize bounds one SSE line; tool-call argument deltas stay well
// under this.
const maxLineSize = 256 * 1024

var errLineTooLong = errors.New("stream: line exceeds size limit")

// Frame is one parsed unit of an upstream stream: an SSE event or one
// object of a Gemini JSON array.
type Frame struct {
	// Event is the SSE event name, empty when the frame had none.
	Event string
	// Data is the payload: joined data lines for SSE, the object for Gemini.
	Data []byte
	// Raw is the frame exactly as received, separators included.
	Raw []byte
}

// HasData reports whether the frame carries a payload. Keep-alive pings and
// comment-only frames do not.
func (f *Frame) HasData() bool { return len(f.Data) > 0 }

// FrameReader yields successive frames from an upstream body.
// Next returns io.EOF after the last frame.
type FrameReader interface {
	Next() (*Frame, error)
}

// NewFrameReader picks the framing for an upstream dialect: Gemini without
// alt=sse streams a JSON array, everything else is SSE.
func NewFrameReader(format strider.Format, sse bool, r io.Reader) FrameReader {
	if format.Base() == strider.FormatGemini && !sse {
		return NewGeminiReader(r)
	}
	return NewSSEReader(r)
}

// --- SSE ---

// SSEReader parses text/event-stream framing. It buffers event, data, id,
// and retry fields and emits a frame on each blank line; consecutive data
// lines join with newlines. A pending frame is flushed on EOF.
type SSEReader struct {
	r       *bufio.Reader
	event   string
	data    bytes.Buffer
	raw     bytes.Buffer
	hasData bool
	eof     bool
}

func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{r: bufio.NewReaderSize(r, 4096)}
}

func (s *SSEReader) Next() (*Frame, error) {
	if s.eof {
		return nil, io.EOF
	}
	for {
		line, err := s.readLine()
		if errors.Is(err, errLineTooLong) {
			s.eof = true
			return nil, err
		}
		if len(line) > 0 {
			s.raw.Write(line)
			if frame, ok := s.consume(line); ok {
				if err != nil {
					s.eof = true
				}
				return frame, nil
			}
		}
		if err != nil {
			s.eof = true
			// Flush a dangling frame so passthrough loses no bytes.
			if s.hasData || s.event != "" || s.raw.Len() > 0 {
				return s.flush(), nil
			}
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("stream: read: %w", err)
		}
	}
}

// readLine reads up to and including the next newline, bounding memory as it
// accumulates rather than after the fact.
func (s *SSEReader) readLine() ([]byte, error) {
	var line []byte
	for {
		part, err := s.r.ReadSlice('\n')
		line = append(line, part...)
		if len(line) > maxLineSize {
			return line, errLineTooLong
		}
		if err != bufio.ErrBufferFull {
			return line, err
		}
	}
}

// consume folds one line into the pending frame and reports whether a
// complete frame is ready.
func (s *SSEReader) consume(line []byte) (*Frame, bool) {
	trimmed := bytes.TrimRight(line, "\r\n")
	if len(trimmed) == 0 {
		// Comment-only and heartbeat frames flush too: passthrough must
		// forward every byte, and the watchdog counts dataless frames.
		return s.flush(), true
	}
	if trimmed[0] == ':' {
		return nil, false
	}
	key, value, found := bytes.Cut(trimmed, []byte(":"))
	if !found {
		return nil, false
	}
	value = bytes.TrimPrefix(value, []byte(" "))
	switch string(key) {
	case "event":
		s.event = string(value)
	case "data":
		if s.hasData {
			s.data.WriteByte('\n')
		}
		s.data.Write(value)
		s.hasData = true
	case "id", "retry":
		// Tracked only in raw passthrough.
	}
	return nil, false
}

func (s *SSEReader) flush() *Frame {
	f := &Frame{
		Event: s.event,
		Data:  append([]byte(nil), s.data.Bytes()...),
		Raw:   append([]byte(nil), s.raw.Bytes()...),
	}
	s.event = ""
	s.data.Reset()
	s.raw.Reset()
	s.hasData = false
	return f
}

// --- Gemini JSON array ---

// GeminiReader parses the streamGenerateContent response: a JSON array of
// objects. Objects are extracted by brace-depth tracking, string- and
// escape-aware, so nested payloads parse correctly.
type GeminiReader struct {
	r       *bufio.Reader
	started bool
	done    bool
}

func NewGeminiReader(r io.Reader) *GeminiReader {
	return &GeminiReader{r: bufio.NewReaderSize(r, 4096)}
}

func (g *GeminiReader) Next() (*Frame, error) {
	if g.done {
		return nil, io.EOF
	}
	var raw bytes.Buffer
	var obj bytes.Buffer
	depth := 0
	inString := false
	escaped := false

	for {
		b, err := g.r.ReadByte()
		if err != nil {
			g.done = true
			if err == io.EOF {
				if depth > 0 {
					return nil, io.ErrUnexpectedEOF
				}
				return nil, io.EOF
			}
			return nil, fmt.Errorf("stream: read: %w", err)
		}
		raw.WriteByte(b)

		if depth == 0 {
			switch {
			case b == '[' && !g.started:
				g.started = true
			case b == ']':
				// Surface the closing bracket as a raw-only frame so
				// passthrough reconstructs the array byte for byte.
				g.done = true
				return &Frame{Raw: raw.Bytes()}, nil
			case b == '{':
				depth = 1
				obj.WriteByte(b)
			case b == ',' || b == ' ' || b == '\n' || b == '\r' || b == '\t':
				// separators between objects
			}
			continue
		}

		obj.WriteByte(b)
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return &Frame{Data: obj.Bytes(), Raw: raw.Bytes()}, nil
			}
		}
	}
}

// looksHTML reports whether a response head is an HTML page, the signature
// of a base URL pointed at a web server instead of an API.
func looksHTML(head string) bool {
	head = strings.TrimLeft(head, " \t\r\n")
	if head == "" {
		return false
	}
	lower := strings.ToLower(head)
	return strings.HasPrefix(lower, "<!doctype") ||
		strings.HasPrefix(lower, "<html") ||
		strings.HasPrefix(lower, "<head") ||
		strings.HasPrefix(lower, "<body")
}
