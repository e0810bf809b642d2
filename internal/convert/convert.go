// Package convert translates request bodies, response bodies, and stream
// events between chat wire dialects. Converters are looked up in a directed
// registry keyed by (source, target); a missing direction forwards the
// payload unchanged.
package convert

import (
	"context"
	"log/slog"

	strider "github.com/striderhq/strider/internal"
)

// ChunkConverter rewrites one parsed stream event into zero or more events
// in the target dialect. Implementations carry per-stream state and are not
// safe for concurrent use; obtain a fresh one per stream via Converter.Stream.
type ChunkConverter interface {
	Chunk(c strider.StreamChunk) ([]strider.StreamChunk, error)
}

// Converter translates payloads from one dialect to another. All three
// operations go in the same direction: a (gemini, openai) converter turns
// Gemini requests, responses, and stream events into their OpenAI shapes.
type Converter interface {
	Request(body []byte) ([]byte, error)
	Response(body []byte) ([]byte, error)
	Stream() ChunkConverter
}

type pair struct {
	src, dst strider.Format
}

// Registry is the dispatch table of bundled converters.
type Registry struct {
	table map[pair]Converter
	log   *slog.Logger
}

// NewRegistry builds a registry preloaded with the bundled conversions:
// claude<->openai, claude<->gemini, openai<->gemini, openai<->responses.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{table: make(map[pair]Converter, 8), log: log}
	r.Register(strider.FormatClaude, strider.FormatOpenAI, claudeToOpenAI{})
	r.Register(strider.FormatOpenAI, strider.FormatClaude, openAIToClaude{})
	r.Register(strider.FormatClaude, strider.FormatGemini, claudeToGemini{})
	r.Register(strider.FormatGemini, strider.FormatClaude, geminiToClaude{})
	r.Register(strider.FormatOpenAI, strider.FormatGemini, openAIToGemini{})
	r.Register(strider.FormatGemini, strider.FormatOpenAI, geminiToOpenAI{})
	r.Register(strider.FormatOpenAI, strider.FormatResponses, openAIToResponses{})
	r.Register(strider.FormatResponses, strider.FormatOpenAI, responsesToOpenAI{})
	return r
}

// Register installs a converter for one direction, replacing any previous
// entry.
func (r *Registry) Register(src, dst strider.Format, c Converter) {
	r.table[pair{src, dst}] = c
}

// Lookup finds the converter for (src, dst). CLI variants share body shapes
// with their base dialect, so a miss on the exact pair falls back to the
// base pair.
func (r *Registry) Lookup(src, dst strider.Format) (Converter, bool) {
	if c, ok := r.table[pair{src, dst}]; ok {
		return c, true
	}
	if c, ok := r.table[pair{src.Base(), dst.Base()}]; ok {
		return c, true
	}
	return nil, false
}

// Supported reports whether a request arriving in client format can be
// served by an upstream speaking the given format: either the dialects
// share a base shape or a converter exists for the response direction.
func (r *Registry) Supported(client, upstream strider.Format) bool {
	if client.Base() == upstream.Base() {
		return true
	}
	_, ok := r.Lookup(upstream, client)
	return ok
}

// Request converts a request body from src to dst. Same-base pairs and
// unregistered directions pass through unchanged.
func (r *Registry) Request(ctx context.Context, src, dst strider.Format, body []byte) ([]byte, error) {
	if src.Base() == dst.Base() {
		return body, nil
	}
	c, ok := r.Lookup(src, dst)
	if !ok {
		r.warnMissing(ctx, "request", src, dst)
		return body, nil
	}
	return c.Request(body)
}

// Response converts a complete response body from src to dst.
func (r *Registry) Response(ctx context.Context, src, dst strider.Format, body []byte) ([]byte, error) {
	if src.Base() == dst.Base() {
		return body, nil
	}
	c, ok := r.Lookup(src, dst)
	if !ok {
		r.warnMissing(ctx, "response", src, dst)
		return body, nil
	}
	return c.Response(body)
}

// Stream returns a per-stream chunk converter for src->dst, or nil when the
// dialects share a base shape (raw bytes should be forwarded as received).
func (r *Registry) Stream(ctx context.Context, src, dst strider.Format) ChunkConverter {
	if src.Base() == dst.Base() {
		return nil
	}
	c, ok := r.Lookup(src, dst)
	if !ok {
		r.warnMissing(ctx, "stream", src, dst)
		return nil
	}
	return c.Stream()
}

func (r *Registry) warnMissing(ctx context.Context, op string, src, dst strider.Format) {
	r.log.LogAttrs(ctx, slog.LevelWarn, "no converter registered, forwarding unchanged",
		slog.String("op", op),
		slog.String("from", string(src)),
		slog.String("to", string(dst)),
	)
}
