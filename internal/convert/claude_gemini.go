package convert

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	strider "github.com/striderhq/strider/internal"
)

// --- claude -> gemini ---

type claudeToGemini struct{}

func (claudeToGemini) Request(body []byte) ([]byte, error) {
	var in claudeRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("convert claude request: %w", err)
	}
	out := geminiRequest{}

	if in.MaxTokens > 0 || in.Temperature != nil || in.TopP != nil || len(in.StopSeqs) > 0 {
		cfg := &geminiGenCfg{
			Temperature:   in.Temperature,
			TopP:          in.TopP,
			StopSequences: in.StopSeqs,
		}
		if in.MaxTokens > 0 {
			mt := in.MaxTokens
			cfg.MaxOutputTokens = &mt
		}
		out.GenerationConfig = cfg
	}
	if sys := textOf(in.System); sys != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: sys}}}
	}
	if len(in.Tools) > 0 {
		decls := make([]geminiFuncDecl, 0, len(in.Tools))
		for _, t := range in.Tools {
			decls = append(decls, geminiFuncDecl{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	// functionResponse needs the function name; tool_result parts carry only
	// the tool_use id, so remember the id->name pairs from earlier turns.
	callNames := make(map[string]string)
	for _, m := range in.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		parts, err := claudeContentToGemini(m.Content, callNames)
		if err != nil {
			return nil, err
		}
		if len(parts) > 0 {
			out.Contents = append(out.Contents, geminiContent{Role: role, Parts: parts})
		}
	}
	return json.Marshal(out)
}

func claudeContentToGemini(raw json.RawMessage, callNames map[string]string) ([]geminiPart, error) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			return nil, nil
		}
		return []geminiPart{{Text: s}}, nil
	}
	var in []claudePart
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("convert claude content: %w", err)
	}
	var parts []geminiPart
	for _, p := range in {
		switch p.Type {
		case "text":
			parts = append(parts, geminiPart{Text: p.Text})
		case "image":
			if p.Source == nil || p.Source.Data == "" {
				continue
			}
			parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: p.Source.MediaType, Data: p.Source.Data}})
		case "tool_use":
			callNames[p.ID] = p.Name
			args := p.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			parts = append(parts, geminiPart{FunctionCall: &geminiFuncCall{Name: p.Name, Args: args}})
		case "tool_result":
			name := callNames[p.ToolUseID]
			if name == "" {
				name = p.ToolUseID
			}
			resp, _ := json.Marshal(map[string]any{"result": textOf(p.Content)})
			parts = append(parts, geminiPart{FunctionResponse: &geminiFuncResp{Name: name, Response: resp}})
		}
	}
	return parts, nil
}

func (claudeToGemini) Response(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)

	var parts []geminiPart
	r.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			parts = append(parts, geminiPart{Text: block.Get("text").String()})
		case "tool_use":
			args := json.RawMessage(block.Get("input").Raw)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			parts = append(parts, geminiPart{FunctionCall: &geminiFuncCall{
				Name: block.Get("name").String(),
				Args: args,
			}})
		}
		return true
	})

	out := geminiResponse{
		Candidates: []geminiCandidate{{
			Content:      &geminiContent{Role: "model", Parts: parts},
			FinishReason: claudeStopToGemini(r.Get("stop_reason").String()),
		}},
		ModelVersion: r.Get("model").String(),
	}
	if u := r.Get("usage"); u.Exists() {
		cu := claudeUsageOf(u)
		out.UsageMetadata = &geminiUsage{
			PromptTokenCount:        cu.Input,
			CandidatesTokenCount:    cu.Output,
			TotalTokenCount:         cu.Input + cu.Output,
			CachedContentTokenCount: cu.CacheRead,
		}
	}
	return json.Marshal(out)
}

func (claudeToGemini) Stream() ChunkConverter { return &claudeToGeminiStream{} }

// claudeToGeminiStream forwards text deltas as Gemini stream objects and
// buffers tool_use blocks until their content_block_stop so functionCall
// parts are emitted complete.
type claudeToGeminiStream struct {
	finished   bool
	stopReason string
	usage      strider.Usage
	toolName   string
	toolArgs   strings.Builder
	inTool     bool
}

func (s *claudeToGeminiStream) Chunk(c strider.StreamChunk) ([]strider.StreamChunk, error) {
	if c.Done {
		return s.flush(), nil
	}
	r := gjson.ParseBytes(c.Data)
	event := c.Event
	if event == "" {
		event = r.Get("type").String()
	}

	switch event {
	case "message_start":
		s.usage.Merge(claudeUsageOf(r.Get("message.usage")))
		return nil, nil

	case "content_block_start":
		if block := r.Get("content_block"); block.Get("type").String() == "tool_use" {
			s.inTool = true
			s.toolName = block.Get("name").String()
			s.toolArgs.Reset()
		}
		return nil, nil

	case "content_block_delta":
		switch r.Get("delta.type").String() {
		case "text_delta":
			return []strider.StreamChunk{{Data: geminiTextChunk(r.Get("delta.text").String())}}, nil
		case "input_json_delta":
			if s.inTool {
				s.toolArgs.WriteString(r.Get("delta.partial_json").String())
			}
		}
		return nil, nil

	case "content_block_stop":
		if !s.inTool {
			return nil, nil
		}
		s.inTool = false
		args := json.RawMessage(s.toolArgs.String())
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		return []strider.StreamChunk{{Data: geminiFuncCallChunk(s.toolName, args)}}, nil

	case "message_delta":
		s.usage.Merge(claudeUsageOf(r.Get("usage")))
		if sr := r.Get("delta.stop_reason").String(); sr != "" {
			s.stopReason = sr
		}
		return nil, nil

	case "message_stop":
		return s.flush(), nil
	}
	return nil, nil
}

func (s *claudeToGeminiStream) flush() []strider.StreamChunk {
	if s.finished {
		return []strider.StreamChunk{{Done: true}}
	}
	s.finished = true
	u := s.usage
	final := strider.StreamChunk{Data: geminiFinalChunk(claudeStopToGemini(s.stopReason), u), Usage: &u}
	return []strider.StreamChunk{final, {Done: true}}
}

// --- gemini -> claude ---

type geminiToClaude struct{}

func (geminiToClaude) Request(body []byte) ([]byte, error) {
	var in geminiRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("convert gemini request: %w", err)
	}
	out := claudeRequest{MaxTokens: 4096}

	if cfg := in.GenerationConfig; cfg != nil {
		out.Temperature = cfg.Temperature
		out.TopP = cfg.TopP
		out.StopSeqs = cfg.StopSequences
		if cfg.MaxOutputTokens != nil {
			out.MaxTokens = *cfg.MaxOutputTokens
		}
	}
	if in.SystemInstruction != nil {
		var b strings.Builder
		for _, p := range in.SystemInstruction.Parts {
			b.WriteString(p.Text)
		}
		if b.Len() > 0 {
			out.System = jsonString(b.String())
		}
	}
	for _, t := range in.Tools {
		for _, d := range t.FunctionDeclarations {
			out.Tools = append(out.Tools, claudeTool{Name: d.Name, Description: d.Description, InputSchema: d.Parameters})
		}
	}

	callSeq := 0
	for _, content := range in.Contents {
		role := "user"
		if content.Role == "model" {
			role = "assistant"
		}
		var parts []claudePart
		for _, p := range content.Parts {
			switch {
			case p.Text != "":
				parts = append(parts, claudePart{Type: "text", Text: p.Text})
			case p.InlineData != nil:
				parts = append(parts, claudePart{Type: "image", Source: &claudeImageSource{
					Type: "base64", MediaType: p.InlineData.MimeType, Data: p.InlineData.Data,
				}})
			case p.FunctionCall != nil:
				callSeq++
				args := p.FunctionCall.Args
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				parts = append(parts, claudePart{
					Type:  "tool_use",
					ID:    "toolu_" + strconv.Itoa(callSeq),
					Name:  p.FunctionCall.Name,
					Input: args,
				})
			case p.FunctionResponse != nil:
				parts = append(parts, claudePart{
					Type:      "tool_result",
					ToolUseID: p.FunctionResponse.Name,
					Content:   jsonString(string(p.FunctionResponse.Response)),
				})
			}
		}
		if len(parts) == 0 {
			continue
		}
		if len(parts) == 1 && parts[0].Type == "text" {
			out.Messages = append(out.Messages, claudeMsg{Role: role, Content: jsonString(parts[0].Text)})
			continue
		}
		raw, _ := json.Marshal(parts)
		out.Messages = append(out.Messages, claudeMsg{Role: role, Content: raw})
	}
	return json.Marshal(out)
}

func (geminiToClaude) Response(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)

	var content []claudePart
	var text strings.Builder
	callSeq := 0
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() && t.String() != "" {
			text.WriteString(t.String())
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			callSeq++
			args := json.RawMessage(fc.Get("args").Raw)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			content = append(content, claudePart{
				Type:  "tool_use",
				ID:    "toolu_" + strconv.Itoa(callSeq),
				Name:  fc.Get("name").String(),
				Input: args,
			})
		}
		return true
	})
	if text.Len() > 0 {
		content = append([]claudePart{{Type: "text", Text: text.String()}}, content...)
	}

	stop := geminiStopToClaude(r.Get("candidates.0.finishReason").String())
	if callSeq > 0 {
		stop = "tool_use"
	}

	model := r.Get("modelVersion").String()
	out := claudeResponse{
		ID:         "gemini-" + model,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    content,
		StopReason: stop,
	}
	if u := r.Get("usageMetadata"); u.Exists() {
		gu := geminiUsageOf(u)
		out.Usage = &claudeUsage{
			InputTokens:     gu.Input,
			OutputTokens:    gu.Output,
			CacheReadTokens: gu.CacheRead,
		}
	}
	return json.Marshal(out)
}

func (geminiToClaude) Stream() ChunkConverter { return &geminiToClaudeStream{} }

// geminiToClaudeStream synthesizes the Anthropic event sequence from Gemini
// stream objects.
type geminiToClaudeStream struct {
	started    bool
	finished   bool
	blockOpen  bool
	blockIndex int
	id         string
	model      string
	stopReason string
	usage      strider.Usage
	toolSeq    int
}

func (s *geminiToClaudeStream) Chunk(c strider.StreamChunk) ([]strider.StreamChunk, error) {
	if c.Done {
		return s.flush(), nil
	}
	r := gjson.ParseBytes(c.Data)

	var out []strider.StreamChunk
	if !s.started {
		s.started = true
		s.model = r.Get("modelVersion").String()
		s.id = "gemini-" + s.model
		out = append(out, claudeMessageStart(s.id, s.model, strider.Usage{}))
	}

	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() && t.String() != "" {
			if !s.blockOpen {
				out = append(out, claudeTextBlockStart(s.blockIndex))
				s.blockOpen = true
			}
			out = append(out, claudeTextDelta(s.blockIndex, t.String()))
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			if s.blockOpen {
				out = append(out, claudeBlockStop(s.blockIndex))
				s.blockIndex++
				s.blockOpen = false
			}
			s.toolSeq++
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			out = append(out,
				claudeToolBlockStart(s.blockIndex, "toolu_"+strconv.Itoa(s.toolSeq), fc.Get("name").String()),
				claudeInputJSONDelta(s.blockIndex, args),
				claudeBlockStop(s.blockIndex),
			)
			s.blockIndex++
			if s.stopReason == "" {
				s.stopReason = "tool_use"
			}
		}
		return true
	})

	if fr := r.Get("candidates.0.finishReason"); fr.Exists() && fr.String() != "" {
		if s.stopReason != "tool_use" {
			s.stopReason = geminiStopToClaude(fr.String())
		}
	}
	if u := r.Get("usageMetadata"); u.Exists() {
		s.usage.Merge(geminiUsageOf(u))
	}
	return out, nil
}

func (s *geminiToClaudeStream) flush() []strider.StreamChunk {
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
	delta := claudeMessageDelta(s.stopReason, u)
	delta.Usage = &u
	out = append(out, delta, claudeMessageStop(), strider.StreamChunk{Done: true})
	return out
}
