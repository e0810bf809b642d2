package convert

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	strider "github.com/striderhq/strider/internal"
)

// --- openai -> gemini ---

type openAIToGemini struct{}

func (openAIToGemini) Request(body []byte) ([]byte, error) {
	var in openAIRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("convert openai request: %w", err)
	}
	out := geminiRequest{}

	if in.Temperature != nil || in.TopP != nil || in.MaxTokens != nil || in.MaxCompletion != nil || len(in.Stop) > 0 {
		cfg := &geminiGenCfg{
			Temperature:     in.Temperature,
			TopP:            in.TopP,
			MaxOutputTokens: in.MaxTokens,
			StopSequences:   stopSequences(in.Stop),
		}
		if in.MaxCompletion != nil {
			cfg.MaxOutputTokens = in.MaxCompletion
		}
		out.GenerationConfig = cfg
	}

	if len(in.Tools) > 0 {
		decls := make([]geminiFuncDecl, 0, len(in.Tools))
		for _, t := range in.Tools {
			decls = append(decls, geminiFuncDecl{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	// functionResponse needs the function name; OpenAI tool messages carry
	// only the call id, so remember the id->name pairs from earlier turns.
	callNames := make(map[string]string)
	var system []string
	for _, m := range in.Messages {
		switch m.Role {
		case "system", "developer":
			system = append(system, textOf(m.Content))
		case "user":
			parts, err := openAIContentToGemini(m.Content)
			if err != nil {
				return nil, err
			}
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: parts})
		case "assistant":
			parts, err := openAIContentToGemini(m.Content)
			if err != nil {
				return nil, err
			}
			for _, tc := range m.ToolCalls {
				callNames[tc.ID] = tc.Function.Name
				args := json.RawMessage(tc.Function.Arguments)
				if !json.Valid(args) {
					args = jsonString(tc.Function.Arguments)
				}
				parts = append(parts, geminiPart{FunctionCall: &geminiFuncCall{Name: tc.Function.Name, Args: args}})
			}
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: parts})
		case "tool":
			name := callNames[m.ToolCallID]
			if name == "" {
				name = m.ToolCallID
			}
			resp, _ := json.Marshal(map[string]any{"result": textOf(m.Content)})
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{FunctionResponse: &geminiFuncResp{Name: name, Response: resp}}},
			})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}
	}
	return json.Marshal(out)
}

func openAIContentToGemini(raw json.RawMessage) ([]geminiPart, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			return nil, nil
		}
		return []geminiPart{{Text: s}}, nil
	}
	var in []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL *struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("convert openai content: %w", err)
	}
	var parts []geminiPart
	for _, p := range in {
		switch p.Type {
		case "text":
			parts = append(parts, geminiPart{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if mediaType, data, ok := splitDataURL(p.ImageURL.URL); ok {
				parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: mediaType, Data: data}})
			}
		}
	}
	return parts, nil
}

func (openAIToGemini) Response(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)
	choice := r.Get("choices.0")

	var parts []geminiPart
	if text := choice.Get("message.content"); text.Type == gjson.String && text.String() != "" {
		parts = append(parts, geminiPart{Text: text.String()})
	}
	choice.Get("message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		args := json.RawMessage(tc.Get("function.arguments").String())
		if !json.Valid(args) {
			args = jsonString(tc.Get("function.arguments").String())
		}
		parts = append(parts, geminiPart{FunctionCall: &geminiFuncCall{
			Name: tc.Get("function.name").String(),
			Args: args,
		}})
		return true
	})

	out := geminiResponse{
		Candidates: []geminiCandidate{{
			Content:      &geminiContent{Role: "model", Parts: parts},
			FinishReason: openAIStopToGemini(choice.Get("finish_reason").String()),
		}},
		ModelVersion: r.Get("model").String(),
	}
	if u := r.Get("usage"); u.Exists() {
		out.UsageMetadata = &geminiUsage{
			PromptTokenCount:        u.Get("prompt_tokens").Int(),
			CandidatesTokenCount:    u.Get("completion_tokens").Int(),
			TotalTokenCount:         u.Get("total_tokens").Int(),
			CachedContentTokenCount: u.Get("prompt_tokens_details.cached_tokens").Int(),
		}
	}
	return json.Marshal(out)
}

func (openAIToGemini) Stream() ChunkConverter { return &openAIToGeminiStream{} }

// openAIToGeminiStream forwards text deltas as Gemini stream objects and
// buffers tool-call fragments, which Gemini expects as complete
// functionCall parts, until the stream finishes.
type openAIToGeminiStream struct {
	finished  bool
	finish    string
	usage     strider.Usage
	toolOrder []int64
	toolNames map[int64]string
	toolArgs  map[int64]*strings.Builder
}

func (s *openAIToGeminiStream) Chunk(c strider.StreamChunk) ([]strider.StreamChunk, error) {
	if c.Done {
		return s.flush(), nil
	}
	data := string(c.Data)
	if strings.TrimSpace(data) == "[DONE]" {
		return s.flush(), nil
	}
	r := gjson.Parse(data)

	if u := r.Get("usage"); u.Exists() && u.Get("total_tokens").Int() > 0 {
		s.usage.Merge(strider.Usage{
			Input:     u.Get("prompt_tokens").Int(),
			Output:    u.Get("completion_tokens").Int(),
			CacheRead: u.Get("prompt_tokens_details.cached_tokens").Int(),
		})
	}
	if fr := r.Get("choices.0.finish_reason"); fr.Type == gjson.String && fr.String() != "" {
		s.finish = openAIStopToGemini(fr.String())
	}

	var out []strider.StreamChunk
	delta := r.Get("choices.0.delta")
	if text := delta.Get("content"); text.Type == gjson.String && text.String() != "" {
		out = append(out, strider.StreamChunk{Data: geminiTextChunk(text.String())})
	}
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := tc.Get("index").Int()
		if s.toolArgs == nil {
			s.toolNames = make(map[int64]string)
			s.toolArgs = make(map[int64]*strings.Builder)
		}
		if _, ok := s.toolArgs[idx]; !ok {
			s.toolArgs[idx] = &strings.Builder{}
			s.toolOrder = append(s.toolOrder, idx)
		}
		if name := tc.Get("function.name").String(); name != "" {
			s.toolNames[idx] = name
		}
		s.toolArgs[idx].WriteString(tc.Get("function.arguments").String())
		return true
	})
	return out, nil
}

func (s *openAIToGeminiStream) flush() []strider.StreamChunk {
	if s.finished {
		return []strider.StreamChunk{{Done: true}}
	}
	s.finished = true
	var out []strider.StreamChunk
	for _, idx := range s.toolOrder {
		args := json.RawMessage(s.toolArgs[idx].String())
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		out = append(out, strider.StreamChunk{Data: geminiFuncCallChunk(s.toolNames[idx], args)})
	}
	if s.finish == "" {
		s.finish = "STOP"
	}
	u := s.usage
	final := strider.StreamChunk{Data: geminiFinalChunk(s.finish, u), Usage: &u}
	out = append(out, final, strider.StreamChunk{Done: true})
	return out
}

// --- gemini -> openai ---

type geminiToOpenAI struct{}

func (geminiToOpenAI) Request(body []byte) ([]byte, error) {
	var in geminiRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("convert gemini request: %w", err)
	}
	out := openAIRequest{}

	if cfg := in.GenerationConfig; cfg != nil {
		out.Temperature = cfg.Temperature
		out.TopP = cfg.TopP
		out.MaxTokens = cfg.MaxOutputTokens
		if len(cfg.StopSequences) > 0 {
			stop, _ := json.Marshal(cfg.StopSequences)
			out.Stop = stop
		}
	}
	for _, t := range in.Tools {
		for _, d := range t.FunctionDeclarations {
			out.Tools = append(out.Tools, openAITool{
				Type:     "function",
				Function: openAIFunction{Name: d.Name, Description: d.Description, Parameters: d.Parameters},
			})
		}
	}
	if in.SystemInstruction != nil {
		var b strings.Builder
		for _, p := range in.SystemInstruction.Parts {
			b.WriteString(p.Text)
		}
		if b.Len() > 0 {
			out.Messages = append(out.Messages, openAIMsg{Role: "system", Content: jsonString(b.String())})
		}
	}

	callSeq := 0
	for _, content := range in.Contents {
		role := "user"
		if content.Role == "model" {
			role = "assistant"
		}
		msg := openAIMsg{Role: role}
		var parts []map[string]any
		textOnly := true
		for _, p := range content.Parts {
			switch {
			case p.Text != "":
				parts = append(parts, map[string]any{"type": "text", "text": p.Text})
			case p.InlineData != nil:
				parts = append(parts, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": dataURL(p.InlineData.MimeType, p.InlineData.Data)},
				})
				textOnly = false
			case p.FunctionCall != nil:
				callSeq++
				args := string(p.FunctionCall.Args)
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
					ID:       "call_" + strconv.Itoa(callSeq),
					Type:     "function",
					Function: openAIToolCallFunc{Name: p.FunctionCall.Name, Arguments: args},
				})
			case p.FunctionResponse != nil:
				out.Messages = append(out.Messages, openAIMsg{
					Role:       "tool",
					ToolCallID: p.FunctionResponse.Name,
					Content:    jsonString(string(p.FunctionResponse.Response)),
				})
			}
		}
		switch {
		case len(parts) == 1 && textOnly:
			msg.Content = jsonString(parts[0]["text"].(string))
		case len(parts) > 0:
			raw, _ := json.Marshal(parts)
			msg.Content = raw
		}
		if msg.Content != nil || len(msg.ToolCalls) > 0 {
			out.Messages = append(out.Messages, msg)
		}
	}
	return json.Marshal(out)
}

func (geminiToOpenAI) Response(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)

	msg := openAIMsg{Role: "assistant"}
	var text strings.Builder
	callSeq := 0
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			text.WriteString(t.String())
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			callSeq++
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
				ID:       "call_" + strconv.Itoa(callSeq),
				Type:     "function",
				Function: openAIToolCallFunc{Name: fc.Get("name").String(), Arguments: args},
			})
		}
		return true
	})
	if text.Len() > 0 {
		msg.Content = jsonString(text.String())
	}

	finish := geminiStopToOpenAI(r.Get("candidates.0.finishReason").String())
	if finish == "" && len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}

	model := r.Get("modelVersion").String()
	out := openAIResponse{
		ID:      "gemini-" + model,
		Object:  "chat.completion",
		Model:   model,
		Choices: []openAIChoice{{Index: 0, Message: &msg, FinishReason: finish}},
	}
	if u := r.Get("usageMetadata"); u.Exists() {
		out.Usage = openAIUsageFrom(geminiUsageOf(u))
	}
	return json.Marshal(out)
}

func (geminiToOpenAI) Stream() ChunkConverter { return &geminiToOpenAIStream{} }

// geminiToOpenAIStream replays Gemini stream objects as OpenAI chunks.
type geminiToOpenAIStream struct {
	started  bool
	finished bool
	id       string
	model    string
	finish   string
	usage    strider.Usage
	toolSeq  int
}

func (s *geminiToOpenAIStream) Chunk(c strider.StreamChunk) ([]strider.StreamChunk, error) {
	if c.Done {
		return s.flush(), nil
	}
	r := gjson.ParseBytes(c.Data)

	var out []strider.StreamChunk
	if !s.started {
		s.started = true
		s.model = r.Get("modelVersion").String()
		s.id = "gemini-" + s.model
		out = append(out, strider.StreamChunk{Data: oaiDeltaChunk(s.id, s.model, map[string]any{"role": "assistant"})})
	}

	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() && t.String() != "" {
			out = append(out, strider.StreamChunk{Data: oaiDeltaChunk(s.id, s.model, map[string]any{"content": t.String()})})
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			out = append(out, strider.StreamChunk{Data: oaiToolCallChunk(
				s.id, s.model, s.toolSeq,
				"call_"+strconv.Itoa(s.toolSeq+1), fc.Get("name").String(), args,
			)})
			s.toolSeq++
			if s.finish == "" {
				s.finish = "tool_calls"
			}
		}
		return true
	})

	if fr := r.Get("candidates.0.finishReason"); fr.Exists() && fr.String() != "" {
		s.finish = geminiStopToOpenAI(fr.String())
	}
	if u := r.Get("usageMetadata"); u.Exists() {
		s.usage.Merge(geminiUsageOf(u))
	}
	return out, nil
}

func (s *geminiToOpenAIStream) flush() []strider.StreamChunk {
	if s.finished {
		return []strider.StreamChunk{{Done: true}}
	}
	s.finished = true
	if s.finish == "" {
		s.finish = "stop"
	}
	u := s.usage
	return []strider.StreamChunk{
		{Data: oaiFinishChunk(s.id, s.model, s.finish)},
		{Data: oaiUsageChunk(s.id, s.model, u), Usage: &u},
		{Done: true},
	}
}

// geminiUsageOf reads a usageMetadata block. Output counts thinking tokens
// alongside candidate tokens so billed totals match what the vendor reports.
func geminiUsageOf(u gjson.Result) strider.Usage {
	return strider.Usage{
		Input:     u.Get("promptTokenCount").Int(),
		Output:    u.Get("candidatesTokenCount").Int() + u.Get("thoughtsTokenCount").Int(),
		CacheRead: u.Get("cachedContentTokenCount").Int(),
	}
}
