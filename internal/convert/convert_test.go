package convert

import (
	"context"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	strider "github.com/striderhq/strider/internal"
)

// claudeFixture is a canonical exchange with a system prompt, an image, a
// tool call, and a tool result.
const claudeFixture = `{
	"model": "claude-sonnet-4-6",
	"max_tokens": 512,
	"system": "You are helpful.",
	"stop_sequences": ["END"],
	"tools": [{"name": "get_weather", "description": "Weather lookup", "input_schema": {"type": "object"}}],
	"messages": [
		{"role": "user", "content": [
			{"type": "text", "text": "What is in this image?"},
			{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "aGVsbG8="}}
		]},
		{"role": "assistant", "content": [
			{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Oslo"}}
		]},
		{"role": "user", "content": [
			{"type": "tool_result", "tool_use_id": "toolu_1", "content": "12C, cloudy"}
		]},
		{"role": "user", "content": "thanks"}
	]
}`

func TestRegistryLookupCLIFallback(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	if _, ok := r.Lookup(strider.FormatClaudeCLI, strider.FormatOpenAI); !ok {
		t.Error("claude-cli -> openai should fall back to claude -> openai")
	}
	if _, ok := r.Lookup(strider.FormatGeminiCLI, strider.FormatClaude); !ok {
		t.Error("gemini-cli -> claude should fall back to gemini -> claude")
	}
	if _, ok := r.Lookup(strider.FormatClaude, strider.FormatResponses); ok {
		t.Error("claude -> responses is not a bundled pair")
	}
}

func TestRegistryPassthrough(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	body := []byte(`{"model":"m"}`)

	// Same base dialect: no rewriting even for CLI variants.
	out, err := r.Request(context.Background(), strider.FormatClaudeCLI, strider.FormatClaude, body)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(out) != string(body) {
		t.Errorf("same-base request rewritten: %s", out)
	}

	// Missing direction: forward unchanged.
	out, err = r.Response(context.Background(), strider.FormatGemini, strider.FormatResponses, body)
	if err != nil {
		t.Fatalf("Response: %v", err)
	}
	if string(out) != string(body) {
		t.Errorf("unregistered direction rewritten: %s", out)
	}
	if cc := r.Stream(context.Background(), strider.FormatOpenAI, strider.FormatOpenAI); cc != nil {
		t.Error("same-base stream should return nil converter")
	}
}

func TestRegistrySupported(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	cases := []struct {
		client, upstream strider.Format
		want             bool
	}{
		{strider.FormatClaude, strider.FormatClaude, true},
		{strider.FormatClaudeCLI, strider.FormatClaude, true},
		{strider.FormatClaude, strider.FormatOpenAI, true},
		{strider.FormatOpenAI, strider.FormatGemini, true},
		{strider.FormatResponses, strider.FormatOpenAI, true},
		{strider.FormatResponses, strider.FormatGemini, false},
		{strider.FormatClaude, strider.FormatResponses, false},
	}
	for _, tc := range cases {
		if got := r.Supported(tc.client, tc.upstream); got != tc.want {
			t.Errorf("Supported(%s, %s) = %v, want %v", tc.client, tc.upstream, got, tc.want)
		}
	}
}

func TestClaudeOpenAIRequestRoundTrip(t *testing.T) {
	t.Parallel()

	oai, err := claudeToOpenAI{}.Request([]byte(claudeFixture))
	if err != nil {
		t.Fatalf("claude -> openai: %v", err)
	}

	r := gjson.ParseBytes(oai)
	if got := r.Get("messages.0.role").String(); got != "system" {
		t.Errorf("first role = %q, want system", got)
	}
	if got := r.Get("max_tokens").Int(); got != 512 {
		t.Errorf("max_tokens = %d, want 512", got)
	}
	if got := r.Get("tools.0.function.name").String(); got != "get_weather" {
		t.Errorf("tool name = %q", got)
	}
	if got := r.Get("stop.0").String(); got != "END" {
		t.Errorf("stop = %q, want END", got)
	}
	// The tool result became a role=tool message.
	if got := r.Get(`messages.#(role=="tool").tool_call_id`).String(); got != "toolu_1" {
		t.Errorf("tool_call_id = %q, want toolu_1", got)
	}
	if !strings.Contains(r.Get("messages.1.content").Raw, "image_url") {
		t.Error("image part not converted to image_url")
	}

	back, err := openAIToClaude{}.Request(oai)
	if err != nil {
		t.Fatalf("openai -> claude: %v", err)
	}
	b := gjson.ParseBytes(back)
	if got := textOfResult(b.Get("system")); got != "You are helpful." {
		t.Errorf("system = %q", got)
	}
	if got := b.Get("tools.0.name").String(); got != "get_weather" {
		t.Errorf("tool name after round trip = %q", got)
	}
	tu := b.Get("messages.1.content.0")
	if tu.Get("type").String() != "tool_use" || tu.Get("name").String() != "get_weather" {
		t.Errorf("tool_use lost in round trip: %s", back)
	}
	if tu.Get("input.city").String() != "Oslo" {
		t.Errorf("tool_use input lost: %s", tu.Raw)
	}
	tr := b.Get("messages.2.content.0")
	if tr.Get("type").String() != "tool_result" || tr.Get("tool_use_id").String() != "toolu_1" {
		t.Errorf("tool_result lost in round trip: %s", back)
	}
	if got := b.Get("stop_sequences.0").String(); got != "END" {
		t.Errorf("stop_sequences = %q", got)
	}
}

func TestClaudeGeminiRequestRoundTrip(t *testing.T) {
	t.Parallel()

	gem, err := claudeToGemini{}.Request([]byte(claudeFixture))
	if err != nil {
		t.Fatalf("claude -> gemini: %v", err)
	}

	r := gjson.ParseBytes(gem)
	if got := r.Get("systemInstruction.parts.0.text").String(); got != "You are helpful." {
		t.Errorf("systemInstruction = %q", got)
	}
	if got := r.Get("tools.0.functionDeclarations.0.name").String(); got != "get_weather" {
		t.Errorf("functionDeclaration = %q", got)
	}
	if got := r.Get("generationConfig.stopSequences.0").String(); got != "END" {
		t.Errorf("stopSequences = %q", got)
	}
	if got := r.Get("contents.1.role").String(); got != "model" {
		t.Errorf("assistant role = %q, want model", got)
	}
	if got := r.Get("contents.1.parts.0.functionCall.name").String(); got != "get_weather" {
		t.Errorf("functionCall = %q", got)
	}
	if got := r.Get("contents.0.parts.1.inlineData.mimeType").String(); got != "image/png" {
		t.Errorf("inlineData mime = %q", got)
	}

	back, err := geminiToClaude{}.Request(gem)
	if err != nil {
		t.Fatalf("gemini -> claude: %v", err)
	}
	b := gjson.ParseBytes(back)
	if got := textOfResult(b.Get("system")); got != "You are helpful." {
		t.Errorf("system after round trip = %q", got)
	}
	tu := b.Get("messages.1.content.0")
	if tu.Get("type").String() != "tool_use" || tu.Get("name").String() != "get_weather" || tu.Get("input.city").String() != "Oslo" {
		t.Errorf("tool_use lost in round trip: %s", back)
	}
	img := b.Get("messages.0.content.1")
	if img.Get("type").String() != "image" || img.Get("source.data").String() != "aGVsbG8=" {
		t.Errorf("image lost in round trip: %s", back)
	}
}

func TestOpenAIGeminiRequest(t *testing.T) {
	t.Parallel()

	const oaiReq = `{
		"model": "gpt-4o",
		"max_tokens": 256,
		"stop": ["END"],
		"tools": [{"type": "function", "function": {"name": "lookup", "parameters": {"type": "object"}}}],
		"messages": [
			{"role": "system", "content": "Be terse."},
			{"role": "user", "content": "hello"},
			{"role": "assistant", "tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":1}"}}]},
			{"role": "tool", "tool_call_id": "call_1", "content": "found"}
		]
	}`

	gem, err := openAIToGemini{}.Request([]byte(oaiReq))
	if err != nil {
		t.Fatalf("openai -> gemini: %v", err)
	}
	r := gjson.ParseBytes(gem)
	if got := r.Get("systemInstruction.parts.0.text").String(); got != "Be terse." {
		t.Errorf("systemInstruction = %q", got)
	}
	if got := r.Get("generationConfig.maxOutputTokens").Int(); got != 256 {
		t.Errorf("maxOutputTokens = %d", got)
	}
	if got := r.Get("contents.1.parts.0.functionCall.args.q").Int(); got != 1 {
		t.Errorf("functionCall args = %s", r.Get("contents.1.parts.0.functionCall").Raw)
	}
	// The tool message resolved its call id back to the function name.
	if got := r.Get("contents.2.parts.0.functionResponse.name").String(); got != "lookup" {
		t.Errorf("functionResponse name = %q, want lookup", got)
	}

	back, err := geminiToOpenAI{}.Request(gem)
	if err != nil {
		t.Fatalf("gemini -> openai: %v", err)
	}
	b := gjson.ParseBytes(back)
	if got := b.Get(`messages.#(role=="system").content`).String(); got != "Be terse." {
		t.Errorf("system after round trip = %q", got)
	}
	tc := b.Get(`messages.#(role=="assistant").tool_calls.0`)
	if tc.Get("function.name").String() != "lookup" {
		t.Errorf("tool call lost: %s", back)
	}
	if gjson.Get(tc.Get("function.arguments").String(), "q").Int() != 1 {
		t.Errorf("tool args lost: %s", tc.Raw)
	}
}

func TestOpenAIResponsesRequestRoundTrip(t *testing.T) {
	t.Parallel()

	const oaiReq = `{
		"model": "gpt-4o",
		"max_tokens": 128,
		"messages": [
			{"role": "system", "content": "Be terse."},
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "hello", "tool_calls": [{"id": "call_9", "type": "function", "function": {"name": "ping", "arguments": "{}"}}]},
			{"role": "tool", "tool_call_id": "call_9", "content": "pong"}
		]
	}`

	resp, err := openAIToResponses{}.Request([]byte(oaiReq))
	if err != nil {
		t.Fatalf("openai -> responses: %v", err)
	}
	r := gjson.ParseBytes(resp)
	if got := r.Get("instructions").String(); got != "Be terse." {
		t.Errorf("instructions = %q", got)
	}
	if got := r.Get("max_output_tokens").Int(); got != 128 {
		t.Errorf("max_output_tokens = %d", got)
	}
	if got := r.Get(`input.#(type=="function_call").call_id`).String(); got != "call_9" {
		t.Errorf("function_call item = %q", got)
	}
	if got := r.Get(`input.#(type=="function_call_output").output`).String(); got != "pong" {
		t.Errorf("function_call_output = %q", got)
	}

	back, err := responsesToOpenAI{}.Request(resp)
	if err != nil {
		t.Fatalf("responses -> openai: %v", err)
	}
	b := gjson.ParseBytes(back)
	if got := b.Get(`messages.#(role=="system").content`).String(); got != "Be terse." {
		t.Errorf("system after round trip = %q", got)
	}
	if got := b.Get(`messages.#(role=="tool").tool_call_id`).String(); got != "call_9" {
		t.Errorf("tool message lost: %s", back)
	}
	tc := b.Get(`messages.#(tool_calls.0.id=="call_9").tool_calls.0`)
	if tc.Get("function.name").String() != "ping" {
		t.Errorf("tool call lost: %s", back)
	}
}

func TestClaudeResponseToOpenAI(t *testing.T) {
	t.Parallel()

	const body = `{
		"id": "msg_01", "type": "message", "role": "assistant", "model": "claude-sonnet-4-6",
		"content": [
			{"type": "text", "text": "Sure."},
			{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Oslo"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 12, "output_tokens": 7, "cache_read_input_tokens": 4}
	}`

	out, err := claudeToOpenAI{}.Response([]byte(body))
	if err != nil {
		t.Fatalf("Response: %v", err)
	}
	r := gjson.ParseBytes(out)
	if got := r.Get("choices.0.finish_reason").String(); got != "tool_calls" {
		t.Errorf("finish_reason = %q, want tool_calls", got)
	}
	if got := r.Get("choices.0.message.content").String(); got != "Sure." {
		t.Errorf("content = %q", got)
	}
	if got := r.Get("choices.0.message.tool_calls.0.function.name").String(); got != "get_weather" {
		t.Errorf("tool name = %q", got)
	}
	if got := r.Get("usage.prompt_tokens").Int(); got != 12 {
		t.Errorf("prompt_tokens = %d", got)
	}
	if got := r.Get("usage.prompt_tokens_details.cached_tokens").Int(); got != 4 {
		t.Errorf("cached_tokens = %d", got)
	}
}

func TestOpenAIResponseToClaude(t *testing.T) {
	t.Parallel()

	const body = `{
		"id": "chatcmpl-1", "object": "chat.completion", "model": "gpt-4o",
		"choices": [{"index": 0, "finish_reason": "length", "message": {
			"role": "assistant", "content": "partial",
			"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "f", "arguments": "{\"x\":2}"}}]
		}}],
		"usage": {"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12}
	}`

	out, err := openAIToClaude{}.Response([]byte(body))
	if err != nil {
		t.Fatalf("Response: %v", err)
	}
	r := gjson.ParseBytes(out)
	if got := r.Get("stop_reason").String(); got != "max_tokens" {
		t.Errorf("stop_reason = %q, want max_tokens", got)
	}
	if got := r.Get("content.0.text").String(); got != "partial" {
		t.Errorf("text = %q", got)
	}
	if got := r.Get("content.1.input.x").Int(); got != 2 {
		t.Errorf("tool_use input = %s", r.Get("content.1").Raw)
	}
	if got := r.Get("usage.input_tokens").Int(); got != 9 {
		t.Errorf("input_tokens = %d", got)
	}
}

func TestGeminiResponseUsageIncludesThoughts(t *testing.T) {
	t.Parallel()

	const body = `{
		"candidates": [{"content": {"role": "model", "parts": [{"text": "hi"}]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 5, "thoughtsTokenCount": 3, "totalTokenCount": 18},
		"modelVersion": "gemini-2.0-flash"
	}`

	out, err := geminiToOpenAI{}.Response([]byte(body))
	if err != nil {
		t.Fatalf("Response: %v", err)
	}
	r := gjson.ParseBytes(out)
	if got := r.Get("usage.completion_tokens").Int(); got != 8 {
		t.Errorf("completion_tokens = %d, want candidates+thoughts = 8", got)
	}
	if got := r.Get("choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("finish_reason = %q", got)
	}
}

func TestClaudeToOpenAIStream(t *testing.T) {
	t.Parallel()

	events := []strider.StreamChunk{
		{Event: "message_start", Data: []byte(`{"type":"message_start","message":{"id":"msg_01","model":"claude-sonnet-4-6","usage":{"input_tokens":10}}}`)},
		{Event: "content_block_start", Data: []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)},
		{Event: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`)},
		{Event: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`)},
		{Event: "message_delta", Data: []byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`)},
		{Event: "message_stop", Data: []byte(`{"type":"message_stop"}`)},
	}

	cc := claudeToOpenAI{}.Stream()
	var out []strider.StreamChunk
	for _, ev := range events {
		got, err := cc.Chunk(ev)
		if err != nil {
			t.Fatalf("Chunk(%s): %v", ev.Event, err)
		}
		out = append(out, got...)
	}

	var text strings.Builder
	var finish string
	var usage *strider.Usage
	done := false
	for _, c := range out {
		if c.Done {
			done = true
			continue
		}
		r := gjson.ParseBytes(c.Data)
		if r.Get("object").String() != "chat.completion.chunk" {
			t.Errorf("object = %q", r.Get("object").String())
		}
		text.WriteString(r.Get("choices.0.delta.content").String())
		if fr := r.Get("choices.0.finish_reason"); fr.Type == gjson.String {
			finish = fr.String()
		}
		if c.Usage != nil {
			usage = c.Usage
		}
	}
	if text.String() != "Hello world" {
		t.Errorf("text = %q", text.String())
	}
	if finish != "stop" {
		t.Errorf("finish_reason = %q, want stop", finish)
	}
	if usage == nil || usage.Input != 10 || usage.Output != 5 {
		t.Errorf("usage = %+v", usage)
	}
	if !done {
		t.Error("missing Done chunk")
	}
}

func TestGeminiToOpenAIStream(t *testing.T) {
	t.Parallel()

	chunks := []strider.StreamChunk{
		{Data: []byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}],"modelVersion":"gemini-2.0-flash"}`)},
		{Data: []byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"thoughtsTokenCount":1,"totalTokenCount":7}}`)},
		{Done: true},
	}

	cc := geminiToOpenAI{}.Stream()
	var out []strider.StreamChunk
	for _, ev := range chunks {
		got, err := cc.Chunk(ev)
		if err != nil {
			t.Fatalf("Chunk: %v", err)
		}
		out = append(out, got...)
	}

	var text strings.Builder
	var usage *strider.Usage
	for _, c := range out {
		if c.Usage != nil {
			usage = c.Usage
		}
		if c.Done {
			continue
		}
		text.WriteString(gjson.GetBytes(c.Data, "choices.0.delta.content").String())
	}
	if text.String() != "Hello" {
		t.Errorf("text = %q", text.String())
	}
	if usage == nil || usage.Input != 4 || usage.Output != 3 {
		t.Errorf("usage = %+v, want input 4 output 3 (candidates+thoughts)", usage)
	}
}

func TestOpenAIToClaudeStreamToolCalls(t *testing.T) {
	t.Parallel()

	chunks := []strider.StreamChunk{
		{Data: []byte(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant"}}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"f","arguments":""}}]}}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"x\":1}"}}]}}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":6,"completion_tokens":2,"total_tokens":8}}`)},
		{Data: []byte(`[DONE]`)},
	}

	cc := openAIToClaude{}.Stream()
	var events []string
	var argJSON strings.Builder
	var stopReason string
	for _, ev := range chunks {
		got, err := cc.Chunk(ev)
		if err != nil {
			t.Fatalf("Chunk: %v", err)
		}
		for _, c := range got {
			if c.Done {
				continue
			}
			events = append(events, c.Event)
			r := gjson.ParseBytes(c.Data)
			switch c.Event {
			case "content_block_delta":
				argJSON.WriteString(r.Get("delta.partial_json").String())
			case "message_delta":
				stopReason = r.Get("delta.stop_reason").String()
			case "content_block_start":
				if got := r.Get("content_block.name").String(); got != "f" {
					t.Errorf("tool block name = %q", got)
				}
			}
		}
	}

	wantOrder := []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"}
	if len(events) != len(wantOrder) {
		t.Fatalf("events = %v, want %v", events, wantOrder)
	}
	for i, w := range wantOrder {
		if events[i] != w {
			t.Errorf("event[%d] = %q, want %q", i, events[i], w)
		}
	}
	if argJSON.String() != `{"x":1}` {
		t.Errorf("partial_json = %q", argJSON.String())
	}
	if stopReason != "tool_use" {
		t.Errorf("stop_reason = %q, want tool_use", stopReason)
	}
}

func TestOpenAIToGeminiStreamBuffersToolCalls(t *testing.T) {
	t.Parallel()

	chunks := []strider.StreamChunk{
		{Data: []byte(`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"f","arguments":"{\"a\""}}]}}]}`)},
		{Data: []byte(`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":":1}"}}]}}]}`)},
		{Data: []byte(`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`)},
	}

	cc := openAIToGemini{}.Stream()
	var mid []strider.StreamChunk
	for _, ev := range chunks {
		got, err := cc.Chunk(ev)
		if err != nil {
			t.Fatalf("Chunk: %v", err)
		}
		mid = append(mid, got...)
	}
	if len(mid) != 0 {
		t.Fatalf("tool fragments should be buffered, got %d chunks early", len(mid))
	}

	out, err := cc.Chunk(strider.StreamChunk{Done: true})
	if err != nil {
		t.Fatalf("Chunk(done): %v", err)
	}
	fc := gjson.GetBytes(out[0].Data, "candidates.0.content.parts.0.functionCall")
	if fc.Get("name").String() != "f" || fc.Get("args.a").Int() != 1 {
		t.Errorf("functionCall = %s", fc.Raw)
	}
}

func TestResponsesToOpenAIStream(t *testing.T) {
	t.Parallel()

	events := []strider.StreamChunk{
		{Event: "response.created", Data: []byte(`{"type":"response.created","response":{"id":"resp_1","model":"gpt-4o","status":"in_progress"}}`)},
		{Event: "response.output_text.delta", Data: []byte(`{"type":"response.output_text.delta","delta":"Hel"}`)},
		{Event: "response.output_text.delta", Data: []byte(`{"type":"response.output_text.delta","delta":"lo"}`)},
		{Event: "response.completed", Data: []byte(`{"type":"response.completed","response":{"id":"resp_1","status":"completed","usage":{"input_tokens":5,"output_tokens":2,"total_tokens":7}}}`)},
	}

	cc := responsesToOpenAI{}.Stream()
	var text strings.Builder
	var usage *strider.Usage
	done := false
	for _, ev := range events {
		got, err := cc.Chunk(ev)
		if err != nil {
			t.Fatalf("Chunk(%s): %v", ev.Event, err)
		}
		for _, c := range got {
			if c.Done {
				done = true
				continue
			}
			text.WriteString(gjson.GetBytes(c.Data, "choices.0.delta.content").String())
			if c.Usage != nil {
				usage = c.Usage
			}
		}
	}
	if text.String() != "Hello" {
		t.Errorf("text = %q", text.String())
	}
	if usage == nil || usage.Input != 5 || usage.Output != 2 {
		t.Errorf("usage = %+v", usage)
	}
	if !done {
		t.Error("missing Done chunk")
	}
}

func TestOpenAIToResponsesStream(t *testing.T) {
	t.Parallel()

	chunks := []strider.StreamChunk{
		{Data: []byte(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant"}}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"Hi"}}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)},
		{Data: []byte(`[DONE]`)},
	}

	cc := openAIToResponses{}.Stream()
	var events []string
	var completed gjson.Result
	for _, ev := range chunks {
		got, err := cc.Chunk(ev)
		if err != nil {
			t.Fatalf("Chunk: %v", err)
		}
		for _, c := range got {
			if c.Done {
				continue
			}
			events = append(events, c.Event)
			if c.Event == "response.completed" {
				completed = gjson.ParseBytes(c.Data)
			}
		}
	}
	if events[0] != "response.created" {
		t.Errorf("first event = %q", events[0])
	}
	if !completed.Exists() {
		t.Fatal("missing response.completed")
	}
	if got := completed.Get("response.usage.input_tokens").Int(); got != 3 {
		t.Errorf("usage input_tokens = %d", got)
	}
	if got := completed.Get("response.output.0.content.0.text").String(); got != "Hi" {
		t.Errorf("output text = %q", got)
	}
}

// textOfResult reads a field that may be a JSON string or a parts array.
func textOfResult(r gjson.Result) string {
	if r.Type == gjson.String {
		return r.String()
	}
	var b strings.Builder
	r.ForEach(func(_, part gjson.Result) bool {
		b.WriteString(part.Get("text").String())
		return true
	})
	return b.String()
}
