package upstream

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"

	strider "github.com/striderhq/strider/internal"
)

func testEndpoint(format strider.Format) *strider.Endpoint {
	return &strider.Endpoint{
		ID:      "ep-1",
		BaseURL: "https://api.example.com",
		Format:  format,
		Active:  true,
	}
}

func testCredential(secret string) *strider.Credential {
	return &strider.Credential{ID: "cred-1", EndpointID: "ep-1", Secret: secret, Active: true}
}

func TestBuildURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		format     strider.Format
		template   string
		baseURL    string
		model      string
		stream     bool
		converting bool
		query      url.Values
		want       string
	}{
		{
			name:   "claude default path",
			format: strider.FormatClaude,
			model:  "claude-sonnet-4",
			want:   "https://api.example.com/v1/messages",
		},
		{
			name:   "openai default path",
			format: strider.FormatOpenAI,
			model:  "gpt-4o",
			want:   "https://api.example.com/v1/chat/completions",
		},
		{
			name:   "responses default path",
			format: strider.FormatResponses,
			model:  "gpt-4o",
			want:   "https://api.example.com/v1/responses",
		},
		{
			name:   "gemini non-stream interpolates action",
			format: strider.FormatGemini,
			model:  "gemini-2.0-flash",
			want:   "https://api.example.com/v1beta/models/gemini-2.0-flash:generateContent",
		},
		{
			name:       "converted gemini stream gets sse framing",
			format:     strider.FormatGemini,
			model:      "gemini-2.0-flash",
			stream:     true,
			converting: true,
			want:       "https://api.example.com/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse",
		},
		{
			name:   "gemini passthrough keeps array framing",
			format: strider.FormatGemini,
			model:  "gemini-2.0-flash",
			stream: true,
			want:   "https://api.example.com/v1beta/models/gemini-2.0-flash:streamGenerateContent",
		},
		{
			name:   "gemini keeps client alt value",
			format: strider.FormatGemini,
			model:  "gemini-2.0-flash",
			stream: true,
			query:  url.Values{"alt": {"sse"}},
			want:   "https://api.example.com/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse",
		},
		{
			name:   "auth query params never forwarded",
			format: strider.FormatGemini,
			model:  "gemini-2.0-flash",
			query:  url.Values{"key": {"secret-key"}, "foo": {"bar"}},
			want:   "https://api.example.com/v1beta/models/gemini-2.0-flash:generateContent",
		},
		{
			name:     "custom path template wins",
			format:   strider.FormatOpenAI,
			template: "/openai/deployments/{model}/chat/completions",
			model:    "gpt-4o",
			want:     "https://api.example.com/openai/deployments/gpt-4o/chat/completions",
		},
		{
			name:    "trailing slash trimmed",
			format:  strider.FormatClaude,
			baseURL: "https://api.example.com/",
			model:   "claude-sonnet-4",
			want:    "https://api.example.com/v1/messages",
		},
		{
			name:   "model path-escaped",
			format: strider.FormatGemini,
			model:  "models/weird name",
			want:   "https://api.example.com/v1beta/models/models%2Fweird%20name:generateContent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ep := testEndpoint(tt.format)
			ep.PathTemplate = tt.template
			if tt.baseURL != "" {
				ep.BaseURL = tt.baseURL
			}
			got, err := buildURL(Params{
				Endpoint:   ep,
				Model:      tt.model,
				Stream:     tt.stream,
				Converting: tt.converting,
				Query:      tt.query,
			})
			if err != nil {
				t.Fatalf("buildURL: %v", err)
			}
			if got != tt.want {
				t.Errorf("url = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildInjectsSecret(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format     strider.Format
		wantHeader string
		wantValue  string
	}{
		{strider.FormatClaude, "x-api-key", "sk-ant-123"},
		{strider.FormatClaudeCLI, "Authorization", "Bearer sk-ant-123"},
		{strider.FormatOpenAI, "Authorization", "Bearer sk-ant-123"},
		{strider.FormatResponses, "Authorization", "Bearer sk-ant-123"},
		{strider.FormatGemini, "x-goog-api-key", "sk-ant-123"},
		{strider.FormatGeminiCLI, "Authorization", "Bearer sk-ant-123"},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			t.Parallel()

			req, err := Build(context.Background(), Params{
				Endpoint:   testEndpoint(tt.format),
				Credential: testCredential("sk-ant-123"),
				Model:      "m",
				Body:       []byte(`{}`),
			})
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if got := req.Header.Get(tt.wantHeader); got != tt.wantValue {
				t.Errorf("%s = %q, want %q", tt.wantHeader, got, tt.wantValue)
			}
		})
	}
}

func TestBuildSignedModeSkipsSecret(t *testing.T) {
	t.Parallel()

	ep := testEndpoint(strider.FormatClaude)
	ep.AuthMode = strider.AuthAWSSigV4
	ep.Region = "us-east-1"

	req, err := Build(context.Background(), Params{
		Endpoint:   ep,
		Credential: testCredential("unused"),
		Model:      "m",
		Body:       []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := req.Header.Get("x-api-key"); got != "" {
		t.Errorf("x-api-key = %q, want empty for signed auth mode", got)
	}
	if got := req.Header.Get("Authorization"); got != "" {
		t.Errorf("Authorization = %q, want empty before transport signing", got)
	}
}

func TestBuildScrubsHeaders(t *testing.T) {
	t.Parallel()

	inbound := http.Header{}
	inbound.Set("Authorization", "Bearer caller-key")
	inbound.Set("X-Api-Key", "caller-key")
	inbound.Set("X-Goog-Api-Key", "caller-key")
	inbound.Set("Cookie", "session=abc")
	inbound.Set("Accept-Encoding", "gzip")
	inbound.Set("Connection", "keep-alive")
	inbound.Set("X-Require-Capability", "cache_1h")
	inbound.Set("Content-Length", "42")
	inbound.Set("User-Agent", "test-client/1.0")
	inbound.Set("X-Request-Id", "req-123")

	req, err := Build(context.Background(), Params{
		Endpoint:   testEndpoint(strider.FormatOpenAI),
		Credential: testCredential("upstream-key"),
		Model:      "gpt-4o",
		Body:       []byte(`{"model":"gpt-4o"}`),
		Header:     inbound,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for _, h := range []string{"X-Api-Key", "X-Goog-Api-Key", "Cookie", "Accept-Encoding", "Connection", "X-Require-Capability"} {
		if got := req.Header.Get(h); got != "" {
			t.Errorf("%s = %q, want stripped", h, got)
		}
	}
	// Authorization carries the upstream secret, not the caller's.
	if got := req.Header.Get("Authorization"); got != "Bearer upstream-key" {
		t.Errorf("Authorization = %q, want Bearer upstream-key", got)
	}
	if got := req.Header.Get("User-Agent"); got != "test-client/1.0" {
		t.Errorf("User-Agent = %q, want forwarded", got)
	}
	if got := req.Header.Get("X-Request-Id"); got != "req-123" {
		t.Errorf("X-Request-Id = %q, want forwarded", got)
	}
}

func TestBuildEndpointHeadersOverride(t *testing.T) {
	t.Parallel()

	ep := testEndpoint(strider.FormatClaude)
	ep.Headers = map[string]string{
		"Anthropic-Version": "2024-10-22",
		"X-Route-Hint":      "eu-west",
	}
	inbound := http.Header{}
	inbound.Set("Anthropic-Version", "2023-01-01")

	req, err := Build(context.Background(), Params{
		Endpoint:   ep,
		Credential: testCredential("k"),
		Model:      "m",
		Body:       []byte(`{}`),
		Header:     inbound,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := req.Header.Get("Anthropic-Version"); got != "2024-10-22" {
		t.Errorf("Anthropic-Version = %q, want endpoint default to win", got)
	}
	if got := req.Header.Get("X-Route-Hint"); got != "eu-west" {
		t.Errorf("X-Route-Hint = %q, want eu-west", got)
	}
}

func TestBuildDefaults(t *testing.T) {
	t.Parallel()

	body := []byte(`{"model":"claude-sonnet-4","messages":[]}`)
	req, err := Build(context.Background(), Params{
		Endpoint:   testEndpoint(strider.FormatClaude),
		Credential: testCredential("k"),
		Model:      "claude-sonnet-4",
		Body:       body,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if got := req.Header.Get("Anthropic-Version"); got != anthropicVersion {
		t.Errorf("Anthropic-Version = %q, want %q", got, anthropicVersion)
	}
	if req.ContentLength != int64(len(body)) {
		t.Errorf("ContentLength = %d, want %d", req.ContentLength, len(body))
	}
	if req.Method != http.MethodPost {
		t.Errorf("method = %q, want POST", req.Method)
	}
	got, _ := io.ReadAll(req.Body)
	if string(got) != string(body) {
		t.Errorf("body = %q, want %q", got, body)
	}
	// Retries over HTTP/2 need a rewindable body.
	if req.GetBody == nil {
		t.Error("GetBody should be set for a bytes.Reader body")
	}
}
