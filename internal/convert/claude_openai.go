package convert

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	strider "github.com/striderhq/strider/internal"
)

// --- claude -> openai ---

type claudeToOpenAI struct{}

func (claudeToOpenAI) Request(body []byte) ([]byte, error) {
	var in claudeRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("convert claude request: %w", err)
	}
	out := openAIRequest{
		Model:       in.Model,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
	}
	if in.MaxTokens > 0 {
		mt := in.MaxTokens
		out.MaxTokens = &mt
	}
	if len(in.StopSeqs) > 0 {
		stop, _ := json.Marshal(in.StopSeqs)
		out.Stop = stop
	}
	if sys := textOf(in.System); sys != "" {
		out.Messages = append(out.Messages, openAIMsg{Role: "system", Content: jsonString(sys)})
	}
	for _, t := range in.Tools {
		out.Tools = append(out.Tools, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: t.InputSchema},
		})
	}
	for _, m := range in.Messages {
		msgs, err := claudeMsgToOpenAI(m)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msgs...)
	}
	return json.Marshal(out)
}

// claudeMsgToOpenAI maps one Anthropic message onto one or more OpenAI
// messages: tool_result parts become separate role=tool messages.
func claudeMsgToOpenAI(m claudeMsg) ([]openAIMsg, error) {
	var s string
	if json.Unmarshal(m.Content, &s) == nil {
		return []openAIMsg{{Role: m.Role, Content: jsonString(s)}}, nil
	}
	var parts []claudePart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return nil, fmt.Errorf("convert claude content: %w", err)
	}

	var out []openAIMsg
	msg := openAIMsg{Role: m.Role}
	var content []map[string]any
	textOnly := true
	for _, p := range parts {
		switch p.Type {
		case "text":
			content = append(content, map[string]any{"type": "text", "text": p.Text})
		case "image":
			if p.Source == nil {
				continue
			}
			url := p.Source.URL
			if url == "" {
				url = dataURL(p.Source.MediaType, p.Source.Data)
			}
			content = append(content, map[string]any{"type": "image_url", "image_url": map[string]any{"url": url}})
			textOnly = false
		case "tool_use":
			args := string(p.Input)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
				ID:       p.ID,
				Type:     "function",
				Function: openAIToolCallFunc{Name: p.Name, Arguments: args},
			})
		case "tool_result":
			out = append(out, openAIMsg{
				Role:       "tool",
				ToolCallID: p.ToolUseID,
				Content:    jsonString(textOf(p.Content)),
			})
		}
	}

	switch {
	case len(content) == 1 && textOnly:
		msg.Content = jsonString(content[0]["text"].(string))
	case len(content) > 0:
		raw, _ := json.Marshal(content)
		msg.Content = raw
	}
	if msg.Content != nil || len(msg.ToolCalls) > 0 {
		out = append(out, msg)
	}
	return out, nil
}

func (claudeToOpenAI) Response(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)

	msg := openAIMsg{Role: "assistant"}
	var text strings.Builder
	r.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
				ID:   block.Get("id").String(),
				Type: "function",
				Function: openAIToolCallFunc{
					Name:      block.Get("name").String(),
					Arguments: block.Get("input").Raw,
				},
			})
		}
		return true
	})
	if text.Len() > 0 {
		msg.Content = jsonString(text.String())
	}

	finish := claudeStopToOpenAI(r.Get("stop_reason").String())
	if finish == "" && len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}

	out := openAIResponse{
		ID:      r.Get("id").String(),
		Object:  "chat.completion",
		Model:   r.Get("model").String(),
		Choices: []openAIChoice{{Index: 0, Message: &msg, FinishReason: finish}},
	}
	if u := r.Get("usage"); u.Exists() {
		out.Usage = openAIUsageFrom(claudeUsageOf(u))
	}
	return json.Marshal(out)
}

func (claudeToOpenAI) Stream() ChunkConverter { return &claudeToOpenAIStream{} }

// claudeToOpenAIStream replays Anthropic SSE events as OpenAI
// chat.completion.chunk objects.
type claudeToOpenAIStream struct {
	id         string
	model      string
	usage      strider.Usage
	stopReason string
	toolIndex  int
	inTool     bool
}

func (s *claudeToOpenAIStream) Chunk(c strider.StreamChunk) ([]strider.StreamChunk, error) {
	if c.Done {
		return []strider.StreamChunk{{Done: true}}, nil
	}
	r := gjson.ParseBytes(c.Data)
	event := c.Event
	if event == "" {
		event = r.Get("type").String()
	}

	switch event {
	case "message_start":
		s.id = r.Get("message.id").String()
		s.model = r.Get("message.model").String()
		s.usage.Merge(claudeUsageOf(r.Get("message.usage")))
		return []strider.StreamChunk{{Data: oaiDeltaChunk(s.id, s.model, map[string]any{"role": "assistant"})}}, nil

	case "content_block_start":
		block := r.Get("content_block")
		if block.Get("type").String() != "tool_use" {
			s.inTool = false
			return nil, nil
		}
		if s.inTool {
			s.toolIndex++
		}
		s.inTool = true
		return []strider.StreamChunk{{Data: oaiToolCallChunk(
			s.id, s.model, s.toolIndex,
			block.Get("id").String(), block.Get("name").String(), "",
		)}}, nil

	case "content_block_delta":
		switch r.Get("delta.type").String() {
		case "text_delta":
			return []strider.StreamChunk{{Data: oaiDeltaChunk(s.id, s.model, map[string]any{"content": r.Get("delta.text").String()})}}, nil
		case "input_json_delta":
			return []strider.StreamChunk{{Data: oaiToolCallChunk(
				s.id, s.model, s.toolIndex, "", "", r.Get("delta.partial_json").String(),
			)}}, nil
		}
		return nil, nil

	case "message_delta":
		s.usage.Merge(claudeUsageOf(r.Get("usage")))
		if sr := r.Get("delta.stop_reason").String(); sr != "" {
			s.stopReason = sr
		}
		return nil, nil

	case "message_stop":
		u := s.usage
		return []strider.StreamChunk{
			{Data: oaiFinishChunk(s.id, s.model, claudeStopToOpenAI(s.stopReason))},
			{Data: oaiUsageChunk(s.id, s.model, u), Usage: &u},
			{Done: true},
		}, nil
	}
	return nil, nil
}

// --- openai -> claude ---

type openAIToClaude struct{}

func (openAIToClaude) Request(body []byte) ([]byte, error) {
	var in openAIRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("convert openai request: %w", err)
	}
	out := claudeRequest{
		Model:       in.Model,
		MaxTokens:   4096, // required by the Messages API
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
	}
	if in.MaxCompletion != nil {
		out.MaxTokens = *in.MaxCompletion
	} else if in.MaxTokens != nil {
		out.MaxTokens = *in.MaxTokens
	}
	if len(in.Stop) > 0 {
		out.StopSeqs = stopSequences(in.Stop)
	}
	for _, t := range in.Tools {
		out.Tools = append(out.Tools, claudeTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	var system []string
	for _, m := range in.Messages {
		switch m.Role {
		case "system", "developer":
			system = append(system, textOf(m.Content))
		case "user", "assistant":
			msg, err := openAIMsgToClaude(m)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, msg)
		case "tool":
			part := claudePart{Type: "tool_result", ToolUseID: m.ToolCallID, Content: jsonString(textOf(m.Content))}
			out.Messages = appendToolResult(out.Messages, part)
		}
	}
	if len(system) > 0 {
		out.System = jsonString(strings.Join(system, "\n\n"))
	}
	return json.Marshal(out)
}

// appendToolResult merges consecutive tool results into one user message so
// the Messages API sees strictly alternating roles.
func appendToolResult(msgs []claudeMsg, part claudePart) []claudeMsg {
	if n := len(msgs); n > 0 && msgs[n-1].Role == "user" {
		var parts []claudePart
		if json.Unmarshal(msgs[n-1].Content, &parts) == nil && len(parts) > 0 && parts[0].Type == "tool_result" {
			parts = append(parts, part)
			raw, _ := json.Marshal(parts)
			msgs[n-1].Content = raw
			return msgs
		}
	}
	raw, _ := json.Marshal([]claudePart{part})
	return append(msgs, claudeMsg{Role: "user", Content: raw})
}

func openAIMsgToClaude(m openAIMsg) (claudeMsg, error) {
	out := claudeMsg{Role: m.Role}

	var parts []claudePart
	var s string
	if json.Unmarshal(m.Content, &s) == nil {
		if s != "" {
			parts = append(parts, claudePart{Type: "text", Text: s})
		}
	} else if len(m.Content) > 0 {
		var in []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			ImageURL *struct {
				URL string `json:"url"`
			} `json:"image_url"`
		}
		if err := json.Unmarshal(m.Content, &in); err != nil {
			return out, fmt.Errorf("convert openai content: %w", err)
		}
		for _, p := range in {
			switch p.Type {
			case "text":
				parts = append(parts, claudePart{Type: "text", Text: p.Text})
			case "image_url":
				if p.ImageURL == nil {
					continue
				}
				src := &claudeImageSource{Type: "url", URL: p.ImageURL.URL}
				if mediaType, data, ok := splitDataURL(p.ImageURL.URL); ok {
					src = &claudeImageSource{Type: "base64", MediaType: mediaType, Data: data}
				}
				parts = append(parts, claudePart{Type: "image", Source: src})
			}
		}
	}
	for _, tc := range m.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) {
			input = jsonString(tc.Function.Arguments)
		}
		parts = append(parts, claudePart{Type: "tool_use", ID: tc.ID, Name: tc.Function.Name, Input: input})
	}

	if len(parts) == 1 && parts[0].Type == "text" {
		out.Content = jsonString(parts[0].Text)
		return out, nil
	}
	raw, _ := json.Marshal(parts)
	out.Content = raw
	return out, nil
}

func (openAIToClaude) Response(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)
	choice := r.Get("choices.0")

	var content []claudePart
	if text := choice.Get("message.content"); text.Type == gjson.String && text.String() != "" {
		content = append(content, claudePart{Type: "text", Text: text.String()})
	}
	choice.Get("message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		input := json.RawMessage(tc.Get("function.arguments").String())
		if !json.Valid(input) {
			input = jsonString(tc.Get("function.arguments").String())
		}
		content = append(content, claudePart{
			Type:  "tool_use",
			ID:    tc.Get("id").String(),
			Name:  tc.Get("function.name").String(),
			Input: input,
		})
		return true
	})

	out := claudeResponse{
		ID:         r.Get("id").String(),
		Type:       "message",
		Role:       "assistant",
		Model:      r.Get("model").String(),
		Content:    content,
		StopReason: openAIStopToClaude(choice.Get("finish_reason").String()),
	}
	if u := r.Get("usage"); u.Exists() {
		out.Usage = &claudeUsage{
			InputTokens:     u.Get("prompt_tokens").Int(),
			OutputTokens:    u.Get("completion_tokens").Int(),
			CacheReadTokens: u.Get("prompt_tokens_details.cached_tokens").Int(),
		}
	}
	return json.Marshal(out)
}

func (openAIToClaude) Stream() ChunkConverter { return &openAIToClaudeStream{} }

// openAIToClaudeStream synthesizes the Anthropic event sequence from OpenAI
// chunks: message_start, content blocks, message_delta, message_stop.
type openAIToClaudeStream struct {
	started    bool
	finished   bool
	blockOpen  bool
	blockIndex int
	blockType  string
	toolIndex  int64
	id         string
	model      string
	usage      strider.Usage
	stopReason string
}

func (s *openAIToClaudeStream) Chunk(c strider.StreamChunk) ([]strider.StreamChunk, error) {
	if c.Done {
		return s.finish(), nil
	}
	data := string(c.Data)
	if strings.TrimSpace(data) == "[DONE]" {
		return s.finish(), nil
	}
	r := gjson.Parse(data)

	var out []strider.StreamChunk
	if !s.started {
		s.started = true
		s.id = r.Get("id").String()
		s.model = r.Get("model").String()
		out = append(out, claudeMessageStart(s.id, s.model, strider.Usage{}))
	}

	if u := r.Get("usage"); u.Exists() && u.Get("total_tokens").Int() > 0 {
		s.usage.Merge(strider.Usage{
			Input:     u.Get("prompt_tokens").Int(),
			Output:    u.Get("completion_tokens").Int(),
			CacheRead: u.Get("prompt_tokens_details.cached_tokens").Int(),
		})
	}

	delta := r.Get("choices.0.delta")
	if text := delta.Get("content"); text.Type == gjson.String && text.String() != "" {
		if s.blockType != "text" || !s.blockOpen {
			out = append(out, s.openBlock("text", "", "")...)
		}
		out = append(out, claudeTextDelta(s.blockIndex, text.String()))
	}
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		if name := tc.Get("function.name").String(); name != "" {
			idx := tc.Get("index").Int()
			callID := tc.Get("id").String()
			if callID == "" {
				callID = fmt.Sprintf("call_%d", idx)
			}
			s.toolIndex = idx
			out = append(out, s.openBlock("tool_use", callID, name)...)
		}
		if args := tc.Get("function.arguments").String(); args != "" && s.blockOpen && s.blockType == "tool_use" {
			out = append(out, claudeInputJSONDelta(s.blockIndex, args))
		}
		return true
	})

	if fr := r.Get("choices.0.finish_reason"); fr.Type == gjson.String && fr.String() != "" {
		s.stopReason = openAIStopToClaude(fr.String())
	}
	return out, nil
}

// openBlock closes any open content block and starts a new one.
func (s *openAIToClaudeStream) openBlock(blockType, callID, name string) []strider.StreamChunk {
	var out []strider.StreamChunk
	if s.blockOpen {
		out = append(out, claudeBlockStop(s.blockIndex))
		s.blockIndex++
	}
	s.blockOpen = true
	s.blockType = blockType
	if blockType == "tool_use" {
		out = append(out, claudeToolBlockStart(s.blockIndex, callID, name))
	} else {
		out = append(out, claudeTextBlockStart(s.blockIndex))
	}
	return out
}

func (s *openAIToClaudeStream) finish() []strider.StreamChunk {
	if s.finished {
		return []strider.StreamChunk{{Done: true}}
	}
	s.finished = true
	var out []strider.StreamChunk
	if s.blockOpen {
		out = append(out, claudeBlockStop(s.blockIndex))
		s.blockOpen = false
	}
	if s.stopReason == "" {
		s.stopReason = "end_turn"
	}
	u := s.usage
	out = append(out,
		claudeMessageDelta(s.stopReason, u),
		claudeMessageStop(),
	)
	out[len(out)-1].Usage = &u
	out = append(out, strider.StreamChunk{Done: true})
	return out
}

// --- shared helpers ---

func claudeUsageOf(u gjson.Result) strider.Usage {
	return strider.Usage{
		Input:         u.Get("input_tokens").Int(),
		Output:        u.Get("output_tokens").Int(),
		CacheRead:     u.Get("cache_read_input_tokens").Int(),
		CacheCreation: u.Get("cache_creation_input_tokens").Int(),
	}
}

func openAIUsageFrom(u strider.Usage) *openAIUsage {
	out := &openAIUsage{
		PromptTokens:     u.Input,
		CompletionTokens: u.Output,
		TotalTokens:      u.Input + u.Output,
	}
	if u.CacheRead > 0 {
		out.PromptDetails = &openAIPromptDetail{CachedTokens: u.CacheRead}
	}
	return out
}

// stopSequences accepts the OpenAI stop field, which may be a single string
// or an array of strings.
func stopSequences(raw json.RawMessage) []string {
	var one string
	if json.Unmarshal(raw, &one) == nil {
		return []string{one}
	}
	var many []string
	if json.Unmarshal(raw, &many) == nil {
		return many
	}
	return nil
}
