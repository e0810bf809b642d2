package stream

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/config"
)

func encodeBedrockEvent(t *testing.T, eventType, vendorJSON string) []byte {
	t.Helper()
	b64 := base64.StdEncoding.EncodeToString([]byte(vendorJSON))
	msg := eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":message-type", Value: eventstream.StringValue("event")},
			{Name: ":event-type", Value: eventstream.StringValue(eventType)},
		},
		Payload: []byte(`{"bytes":"` + b64 + `"}`),
	}
	var buf bytes.Buffer
	if err := eventstream.NewEncoder().Encode(&buf, msg); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func encodeBedrockException(t *testing.T, exType, message string) []byte {
	t.Helper()
	msg := eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":message-type", Value: eventstream.StringValue("exception")},
			{Name: ":exception-type", Value: eventstream.StringValue(exType)},
		},
		Payload: []byte(message),
	}
	var buf bytes.Buffer
	if err := eventstream.NewEncoder().Encode(&buf, msg); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func bedrockClaudeStream(t *testing.T) *bytes.Buffer {
	t.Helper()
	var body bytes.Buffer
	body.Write(encodeBedrockEvent(t, "message_start",
		`{"type":"message_start","message":{"id":"msg_br","model":"anthropic.claude-3-5-sonnet","usage":{"input_tokens":10}}}`))
	body.Write(encodeBedrockEvent(t, "content_block_delta",
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`))
	body.Write(encodeBedrockEvent(t, "message_delta",
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`))
	body.Write(encodeBedrockEvent(t, "message_stop", `{"type":"message_stop"}`))
	return &body
}

func TestBedrockReaderFrames(t *testing.T) {
	t.Parallel()
	r := NewBedrockReader(bedrockClaudeStream(t))

	f, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if f.Event != "message_start" {
		t.Errorf("event = %q, want message_start", f.Event)
	}
	if want := `"input_tokens":10`; !strings.Contains(string(f.Data), want) {
		t.Errorf("data = %s, want it to contain %s", f.Data, want)
	}
	// Raw must be SSE so passthrough emits a valid Anthropic stream.
	if !bytes.HasPrefix(f.Raw, []byte("event: message_start\ndata: {")) || !bytes.HasSuffix(f.Raw, []byte("\n\n")) {
		t.Errorf("raw not SSE-framed: %q", f.Raw)
	}

	var events []string
	for {
		f, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		events = append(events, f.Event)
	}
	want := []string{"content_block_delta", "message_delta", "message_stop"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestBedrockReaderException(t *testing.T) {
	t.Parallel()
	var body bytes.Buffer
	body.Write(encodeBedrockEvent(t, "message_start", `{"type":"message_start","message":{"id":"m"}}`))
	body.Write(encodeBedrockException(t, "throttlingException", `{"message":"rate exceeded"}`))

	r := NewBedrockReader(&body)
	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	_, err := r.Next()
	if err == nil || !strings.Contains(err.Error(), "throttlingException") {
		t.Fatalf("err = %v, want bedrock exception", err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("after exception err = %v, want EOF", err)
	}
}

func TestBedrockReaderMissingBytes(t *testing.T) {
	t.Parallel()
	msg := eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":message-type", Value: eventstream.StringValue("event")},
			{Name: ":event-type", Value: eventstream.StringValue("message_stop")},
		},
		Payload: []byte(`{"type":"message_stop"}`),
	}
	var body bytes.Buffer
	if err := eventstream.NewEncoder().Encode(&body, msg); err != nil {
		t.Fatal(err)
	}
	if _, err := NewBedrockReader(&body).Next(); err == nil {
		t.Error("want error for unwrapped payload, got nil")
	}
}

func TestOpenBedrockStream(t *testing.T) {
	t.Parallel()
	body := bedrockClaudeStream(t)
	s, err := Open(t.Context(), io.NopCloser(body), Options{
		Upstream:    strider.FormatClaude,
		ContentType: eventStreamContentType,
		Start:       time.Now(),
		Config:      config.StreamConfig{DataTimeout: 2 * time.Second},
		Log:         testLog(),
	})
	if err != nil {
		t.Fatal(err)
	}

	chunks, res := drain(s)
	if res.Err != nil {
		t.Fatalf("stream err = %v", res.Err)
	}
	if res.Usage.Input != 10 || res.Usage.Output != 5 {
		t.Errorf("usage = %+v, want in 10 out 5", res.Usage)
	}
	var out bytes.Buffer
	for _, c := range chunks {
		out.Write(c.Raw)
	}
	if !strings.Contains(out.String(), "event: message_stop") {
		t.Errorf("client stream missing terminal event:\n%s", out.String())
	}
}
