package stream

import "unicode/utf8"

// decoder yields only complete UTF-8 sequences from a byte stream, holding
// back a trailing partial code point until its continuation bytes arrive.
// Upstream chunk boundaries split runes freely, so head capture for
// diagnostics goes through here.
type decoder struct {
	pending [utf8.UTFMax]byte
	n       int
}

// Write appends p and returns the longest decodable prefix.
func (d *decoder) Write(p []byte) string {
	if d.n == 0 && len(p) == 0 {
		return ""
	}
	buf := make([]byte, 0, d.n+len(p))
	buf = append(buf, d.pending[:d.n]...)
	buf = append(buf, p...)
	d.n = 0

	cut := len(buf)
	// A partial rune can occupy at most UTFMax-1 trailing bytes.
	for back := 1; back < utf8.UTFMax && back <= len(buf); back++ {
		i := len(buf) - back
		if !utf8.RuneStart(buf[i]) {
			continue
		}
		if r, _ := utf8.DecodeRune(buf[i:]); r == utf8.RuneError && !utf8.FullRune(buf[i:]) {
			cut = i
		}
		break
	}
	d.n = copy(d.pending[:], buf[cut:])
	return string(buf[:cut])
}

// Flush returns any held bytes verbatim; call at stream end.
func (d *decoder) Flush() string {
	s := string(d.pending[:d.n])
	d.n = 0
	return s
}

// headCapture accumulates the printable head of a stream for error
// diagnostics, capped at limit bytes.
type headCapture struct {
	dec   decoder
	buf   []byte
	limit int
}

func newHeadCapture(limit int) *headCapture {
	return &headCapture{limit: limit}
}

func (h *headCapture) Write(p []byte) {
	if len(h.buf) >= h.limit {
		return
	}
	s := h.dec.Write(p)
	room := h.limit - len(h.buf)
	if len(s) > room {
		// Trim back to a rune boundary.
		for room > 0 && !utf8.RuneStart(s[room]) {
			room--
		}
		s = s[:room]
	}
	h.buf = append(h.buf, s...)
}

func (h *headCapture) String() string { return string(h.buf) }
