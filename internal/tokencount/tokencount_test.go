package tokencount

import (
	"testing"

	strider "github.com/striderhq/strider/internal"
)

func TestEncodingFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		model string
		want  string
	}{
		{"gpt-4", "cl100k_base"},
		{"gpt-4-turbo", "cl100k_base"},
		{"gpt-3.5-turbo", "cl100k_base"},
		{"gpt-4o", "o200k_base"},
		{"claude-sonnet-4", "o200k_base"},
		{"gemini-2.5-flash", "o200k_base"},
		{"alpha-omni-large", "o200k_base"},
	}
	for _, tc := range cases {
		if got := encodingFor(tc.model); got != tc.want {
			t.Errorf("encodingFor(%q) = %q, want %q", tc.model, got, tc.want)
		}
	}
}

// Counts assert ranges, not exact values: the tiktoken encoding may or may
// not be loadable in the test environment, and the heuristic differs from
// the real tokenizer by design.
func TestCount(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	if got := c.Count("gpt-4o", ""); got != 0 {
		t.Errorf("Count(empty) = %d, want 0", got)
	}
	got := c.Count("gpt-4o", "hello world")
	if got < 1 || got > 6 {
		t.Errorf("Count(hello world) = %d, want 1..6", got)
	}
}

func TestCharsToTokens(t *testing.T) {
	t.Parallel()
	cases := []struct {
		chars int
		want  int64
	}{
		{0, 0}, {-3, 0}, {1, 1}, {4, 1}, {5, 2}, {8, 2}, {9, 3},
	}
	for _, tc := range cases {
		if got := CharsToTokens(tc.chars); got != tc.want {
			t.Errorf("CharsToTokens(%d) = %d, want %d", tc.chars, got, tc.want)
		}
	}
}

func TestEstimateRequest(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	cases := []struct {
		name   string
		format strider.Format
		body   string
		// minimum from message overhead alone; generous upper bound
		wantMin int64
		wantMax int64
	}{
		{
			name:    "claude string content",
			format:  strider.FormatClaude,
			body:    `{"model":"m","system":"be nice","messages":[{"role":"user","content":"hello there"}]}`,
			wantMin: 7,
			wantMax: 30,
		},
		{
			name:    "claude part content",
			format:  strider.FormatClaude,
			body:    `{"messages":[{"role":"user","content":[{"type":"text","text":"hello"},{"type":"image","source":{}}]}]}`,
			wantMin: 7,
			wantMax: 20,
		},
		{
			name:    "openai two messages",
			format:  strider.FormatOpenAI,
			body:    `{"messages":[{"role":"system","content":"You are helpful."},{"role":"user","content":"Explain quantum computing."}]}`,
			wantMin: 11,
			wantMax: 40,
		},
		{
			name:    "gemini contents",
			format:  strider.FormatGemini,
			body:    `{"systemInstruction":{"parts":[{"text":"be brief"}]},"contents":[{"role":"user","parts":[{"text":"hi there"}]}]}`,
			wantMin: 7,
			wantMax: 25,
		},
		{
			name:    "responses string input",
			format:  strider.FormatResponses,
			body:    `{"model":"m","input":"write a haiku"}`,
			wantMin: 7,
			wantMax: 20,
		},
		{
			name:    "responses structured input",
			format:  strider.FormatResponses,
			body:    `{"input":[{"role":"user","content":[{"type":"input_text","text":"hello"}]}]}`,
			wantMin: 7,
			wantMax: 20,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := c.EstimateRequest(tc.format, "alpha-omni-large", []byte(tc.body))
			if got < tc.wantMin || got > tc.wantMax {
				t.Errorf("EstimateRequest = %d, want %d..%d", got, tc.wantMin, tc.wantMax)
			}
		})
	}

	if got := c.EstimateRequest(strider.FormatOpenAI, "m", nil); got != 0 {
		t.Errorf("EstimateRequest(nil) = %d, want 0", got)
	}
	if got := c.EstimateRequest(strider.FormatOpenAI, "m", []byte("not json")); got != 0 {
		t.Errorf("EstimateRequest(invalid) = %d, want 0", got)
	}
}

func TestResponseText(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		format strider.Format
		body   string
		want   string
	}{
		{
			name:   "claude content parts",
			format: strider.FormatClaude,
			body:   `{"content":[{"type":"text","text":"foo"},{"type":"text","text":"bar"}]}`,
			want:   "foobar",
		},
		{
			name:   "openai choice message",
			format: strider.FormatOpenAI,
			body:   `{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`,
			want:   "hi",
		},
		{
			name:   "gemini candidate parts",
			format: strider.FormatGemini,
			body:   `{"candidates":[{"content":{"parts":[{"text":"a"},{"text":"b"}]}}]}`,
			want:   "ab",
		},
		{
			name:   "responses output items",
			format: strider.FormatResponses,
			body:   `{"output":[{"type":"message","content":[{"type":"output_text","text":"done"}]}]}`,
			want:   "done",
		},
		{
			name:   "invalid body",
			format: strider.FormatOpenAI,
			body:   "garbage",
			want:   "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ResponseText(tc.format, []byte(tc.body)); got != tc.want {
				t.Errorf("ResponseText = %q, want %q", got, tc.want)
			}
		})
	}
}
