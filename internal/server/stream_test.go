package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	strider "github.com/striderhq/strider/internal"
)

func sse(event, data string) string {
	return "event: " + event + "\ndata: " + data + "\n\n"
}

const claudeStreamBody = `{"model":"omni-large","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
const openaiStreamBody = `{"model":"omni-large","stream":true,"messages":[{"role":"user","content":"hi"}]}`

// claudeSSE is a complete Anthropic event stream for "hello".
var claudeSSE = sse("message_start", `{"type":"message_start","message":{"id":"msg_s1","model":"alpha-omni-large","usage":{"input_tokens":9}}}`) +
	sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`) +
	sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`) +
	sse("content_block_stop", `{"type":"content_block_stop","index":0}`) +
	sse("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`) +
	sse("message_stop", `{"type":"message_stop"}`)

// openaiSSE is an OpenAI chat stream for "hello", sentinel included.
const openaiSSE = "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"model\":\"alpha-omni-large\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"hello\"}}]}\n\n" +
	"data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"model\":\"alpha-omni-large\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":9,\"completion_tokens\":3,\"total_tokens\":12}}\n\n" +
	"data: [DONE]\n\n"

func sseHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, body)
	}
}

func assertSSEHeaders(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}

func TestStreamClaudePassthrough(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(sseHandler(claudeSSE))
	defer upstream.Close()
	h := newHarness(t, oneProvider(upstream.URL, strider.FormatClaude, nil), nil)

	rec := h.do(claudeReq(claudeStreamBody))
	assertSSEHeaders(t, rec)
	if got := rec.Body.String(); got != claudeSSE {
		t.Errorf("body not byte-equal to the upstream stream:\ngot:\n%s\nwant:\n%s", got, claudeSSE)
	}
	if strings.Contains(rec.Body.String(), "[DONE]") {
		t.Error("claude streams must not carry the OpenAI sentinel")
	}

	row := h.waitUsage(t)
	if !row.Stream || row.Usage.Input != 9 || row.Usage.Output != 3 {
		t.Errorf("usage row = %+v stream=%v, want streamed 9/3", row.Usage, row.Stream)
	}
}

func TestStreamOpenAIPassthrough(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(sseHandler(openaiSSE))
	defer upstream.Close()
	h := newHarness(t, oneProvider(upstream.URL, strider.FormatOpenAI, nil), nil)

	rec := h.do(openaiReq(openaiStreamBody))
	assertSSEHeaders(t, rec)
	if got := rec.Body.String(); got != openaiSSE {
		t.Errorf("body not byte-equal to the upstream stream:\ngot:\n%s\nwant:\n%s", got, openaiSSE)
	}
	if n := strings.Count(rec.Body.String(), "[DONE]"); n != 1 {
		t.Errorf("[DONE] count = %d, want exactly the upstream's own", n)
	}
}

func TestStreamOpenAISynthesizesDone(t *testing.T) {
	t.Parallel()

	// An upstream that ends on EOF without the sentinel; OpenAI SDKs block
	// forever without it, so the writer appends one.
	body := strings.TrimSuffix(openaiSSE, "data: [DONE]\n\n")
	upstream := httptest.NewServer(sseHandler(body))
	defer upstream.Close()
	h := newHarness(t, oneProvider(upstream.URL, strider.FormatOpenAI, nil), nil)

	rec := h.do(openaiReq(openaiStreamBody))
	assertSSEHeaders(t, rec)
	if !strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n") {
		t.Errorf("body = %s, want a synthesized terminal sentinel", rec.Body.String())
	}
	if n := strings.Count(rec.Body.String(), "[DONE]"); n != 1 {
		t.Errorf("[DONE] count = %d, want 1", n)
	}
}

func TestStreamClaudeToOpenAIConversion(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(sseHandler(claudeSSE))
	defer upstream.Close()
	h := newHarness(t, oneProvider(upstream.URL, strider.FormatClaude, nil), nil)

	rec := h.do(openaiReq(openaiStreamBody))
	assertSSEHeaders(t, rec)
	body := rec.Body.String()
	if !strings.Contains(body, `"object":"chat.completion.chunk"`) {
		t.Errorf("body = %s, want converted chat chunks", body)
	}
	if !strings.Contains(body, "hello") {
		t.Errorf("body = %s, want the upstream text", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("body = %s, want the sentinel last", body)
	}
	if n := strings.Count(body, "[DONE]"); n != 1 {
		t.Errorf("[DONE] count = %d, want 1", n)
	}
}

func TestStreamOpenAIToClaudeConversion(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(sseHandler(openaiSSE))
	defer upstream.Close()
	h := newHarness(t, oneProvider(upstream.URL, strider.FormatOpenAI, nil), nil)

	rec := h.do(claudeReq(claudeStreamBody))
	assertSSEHeaders(t, rec)
	body := rec.Body.String()
	for _, event := range []string{"event: message_start", "event: content_block_delta", "event: message_stop"} {
		if !strings.Contains(body, event) {
			t.Errorf("body missing %q:\n%s", event, body)
		}
	}
	if strings.Contains(body, "[DONE]") {
		t.Error("claude streams must not carry the OpenAI sentinel")
	}
}

func TestStreamGeminiArrayPassthrough(t *testing.T) {
	t.Parallel()

	const arrayBody = `[{"candidates":[{"content":{"role":"model","parts":[{"text":"hel"}]}}]},
{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":3}}]`

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") == "sse" {
			t.Error("passthrough must keep the client's array framing upstream")
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, arrayBody)
	}))
	defer upstream.Close()
	h := newHarness(t, oneProvider(upstream.URL, strider.FormatGemini, nil), nil)

	rec := h.do(geminiReq("/v1beta/models/omni-large:streamGenerateContent", geminiBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if got := rec.Body.String(); got != arrayBody {
		t.Errorf("body not byte-equal to the upstream array:\ngot:\n%s\nwant:\n%s", got, arrayBody)
	}
}

func TestStreamGeminiSSE(t *testing.T) {
	t.Parallel()

	geminiSSE := "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"hello\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":9,\"candidatesTokenCount\":3}}\n\n"

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "sse" {
			t.Error("alt=sse must forward upstream for passthrough")
		}
		sseHandler(geminiSSE)(w, r)
	}))
	defer upstream.Close()
	h := newHarness(t, oneProvider(upstream.URL, strider.FormatGemini, nil), nil)

	rec := h.do(geminiReq("/v1beta/models/omni-large:streamGenerateContent?alt=sse", geminiBody))
	assertSSEHeaders(t, rec)
	if got := rec.Body.String(); got != geminiSSE {
		t.Errorf("body not byte-equal to the upstream stream:\ngot:\n%s\nwant:\n%s", got, geminiSSE)
	}
}

func TestStreamClaudeToGeminiArrayConversion(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(sseHandler(claudeSSE))
	defer upstream.Close()
	h := newHarness(t, oneProvider(upstream.URL, strider.FormatClaude, nil), nil)

	rec := h.do(geminiReq("/v1beta/models/omni-large:streamGenerateContent", geminiBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.Bytes()
	if !json.Valid(body) {
		t.Fatalf("converted array is not valid JSON:\n%s", body)
	}
	var elems []map[string]any
	if err := json.Unmarshal(body, &elems); err != nil {
		t.Fatalf("unmarshal array: %v", err)
	}
	if len(elems) == 0 {
		t.Fatal("converted array is empty")
	}
	if !strings.Contains(string(body), `"candidates"`) {
		t.Errorf("body = %s, want gemini candidates", body)
	}
	if !strings.Contains(string(body), "hello") {
		t.Errorf("body = %s, want the upstream text", body)
	}
}

func TestStreamErrorMidStream(t *testing.T) {
	t.Parallel()

	// Head passes the sniff window, then the connection dies. Status is
	// committed, so the failure arrives as a terminal error event.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, sse("message_start", `{"type":"message_start","message":{"id":"msg_x","usage":{"input_tokens":9}}}`))
		io.WriteString(w, sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`))
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		conn.Close()
	}))
	defer upstream.Close()
	h := newHarness(t, oneProvider(upstream.URL, strider.FormatClaude, nil), nil)

	rec := h.do(claudeReq(claudeStreamBody))
	assertSSEHeaders(t, rec)
	body := rec.Body.String()
	if !strings.Contains(body, "event: error") {
		t.Errorf("body = %s, want a terminal error event", body)
	}
	if !strings.Contains(body, `"type":"overloaded_error"`) {
		t.Errorf("body = %s, want the connection failure rendered as overloaded", body)
	}
}

func TestStreamOpenFailureIsPlainError(t *testing.T) {
	t.Parallel()

	// Failure before any byte reaches the client stays a JSON error with a
	// real status code, not an in-band event.
	upstream := httptest.NewServer(jsonHandler(http.StatusServiceUnavailable,
		`{"error":{"type":"overloaded_error","message":"try later"}}`))
	defer upstream.Close()
	h := newHarness(t, oneProvider(upstream.URL, strider.FormatClaude, nil), nil)

	rec := h.do(claudeReq(claudeStreamBody))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503; body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestStreamClientDisconnect(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		io.WriteString(w, sse("message_start", `{"type":"message_start","message":{"id":"msg_d1","usage":{"input_tokens":9}}}`))
		fl.Flush()
		for i := 0; i < 200; i++ {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			io.WriteString(w, sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}`))
			fl.Flush()
		}
	}))
	defer upstream.Close()
	h := newHarness(t, oneProvider(upstream.URL, strider.FormatClaude, nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := claudeReq(claudeStreamBody).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.handler.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after context cancel")
	}

	row := h.waitUsage(t)
	if row.StatusCode != strider.StatusClientClosed || row.ErrorType != "client_disconnect" {
		t.Errorf("usage row = %d/%q, want 499/client_disconnect", row.StatusCode, row.ErrorType)
	}
}
