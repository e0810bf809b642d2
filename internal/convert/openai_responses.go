package convert

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	strider "github.com/striderhq/strider/internal"
)

// --- openai (chat completions) -> openai responses ---

type openAIToResponses struct{}

func (openAIToResponses) Request(body []byte) ([]byte, error) {
	var in openAIRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("convert openai request: %w", err)
	}
	out := responsesRequest{
		Model:       in.Model,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
	}
	if in.MaxCompletion != nil {
		out.MaxOutputTokens = in.MaxCompletion
	} else if in.MaxTokens != nil {
		out.MaxOutputTokens = in.MaxTokens
	}
	for _, t := range in.Tools {
		out.Tools = append(out.Tools, responsesTool{
			Type:        "function",
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	var instructions []string
	var input []responsesItem
	for _, m := range in.Messages {
		switch m.Role {
		case "system", "developer":
			instructions = append(instructions, textOf(m.Content))
		case "user", "assistant":
			if item, ok := openAIMsgToResponsesItem(m); ok {
				input = append(input, item)
			}
			for _, tc := range m.ToolCalls {
				input = append(input, responsesItem{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		case "tool":
			input = append(input, responsesItem{
				Type:   "function_call_output",
				CallID: m.ToolCallID,
				Output: textOf(m.Content),
			})
		}
	}
	out.Instructions = strings.Join(instructions, "\n\n")
	if len(input) > 0 {
		raw, _ := json.Marshal(input)
		out.Input = raw
	}
	return json.Marshal(out)
}

func openAIMsgToResponsesItem(m openAIMsg) (responsesItem, bool) {
	textType := "input_text"
	if m.Role == "assistant" {
		textType = "output_text"
	}

	var parts []responsesPart
	var s string
	if json.Unmarshal(m.Content, &s) == nil {
		if s != "" {
			parts = append(parts, responsesPart{Type: textType, Text: s})
		}
	} else if len(m.Content) > 0 {
		var in []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			ImageURL *struct {
				URL string `json:"url"`
			} `json:"image_url"`
		}
		if json.Unmarshal(m.Content, &in) == nil {
			for _, p := range in {
				switch p.Type {
				case "text":
					parts = append(parts, responsesPart{Type: textType, Text: p.Text})
				case "image_url":
					if p.ImageURL != nil {
						parts = append(parts, responsesPart{Type: "input_image", ImageURL: p.ImageURL.URL})
					}
				}
			}
		}
	}
	if len(parts) == 0 {
		return responsesItem{}, false
	}
	raw, _ := json.Marshal(parts)
	return responsesItem{Type: "message", Role: m.Role, Content: raw}, true
}

func (openAIToResponses) Response(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)
	choice := r.Get("choices.0")

	var output []responsesItem
	if text := choice.Get("message.content"); text.Type == gjson.String && text.String() != "" {
		part, _ := json.Marshal([]responsesPart{{Type: "output_text", Text: text.String()}})
		output = append(output, responsesItem{Type: "message", Role: "assistant", Status: "completed", Content: part})
	}
	choice.Get("message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		output = append(output, responsesItem{
			Type:      "function_call",
			CallID:    tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			Arguments: tc.Get("function.arguments").String(),
			Status:    "completed",
		})
		return true
	})

	out := responsesResponse{
		ID:     r.Get("id").String(),
		Object: "response",
		Model:  r.Get("model").String(),
		Status: "completed",
		Output: output,
	}
	if choice.Get("finish_reason").String() == "length" {
		out.Status = "incomplete"
		out.IncompleteDetails = &responsesWhy{Reason: "max_output_tokens"}
	}
	if u := r.Get("usage"); u.Exists() {
		out.Usage = &responsesUsage{
			InputTokens:  u.Get("prompt_tokens").Int(),
			OutputTokens: u.Get("completion_tokens").Int(),
			TotalTokens:  u.Get("total_tokens").Int(),
		}
		if cached := u.Get("prompt_tokens_details.cached_tokens").Int(); cached > 0 {
			out.Usage.InputDetails = &responsesInputDetail{CachedTokens: cached}
		}
	}
	return json.Marshal(out)
}

func (openAIToResponses) Stream() ChunkConverter { return &openAIToResponsesStream{} }

// openAIToResponsesStream replays OpenAI chunks as response.* events,
// accumulating the full output so response.completed carries it.
type openAIToResponsesStream struct {
	started   bool
	finished  bool
	id        string
	model     string
	itemOpen  bool
	itemIndex int
	text      strings.Builder
	usage     strider.Usage
	finish    string
	toolItems []map[string]any
	toolOpen  bool
}

func (s *openAIToResponsesStream) Chunk(c strider.StreamChunk) ([]strider.StreamChunk, error) {
	if c.Done {
		return s.flush(), nil
	}
	data := string(c.Data)
	if strings.TrimSpace(data) == "[DONE]" {
		return s.flush(), nil
	}
	r := gjson.Parse(data)

	var out []strider.StreamChunk
	if !s.started {
		s.started = true
		s.id = r.Get("id").String()
		s.model = r.Get("model").String()
		out = append(out, responsesCreated(s.id, s.model))
	}

	if u := r.Get("usage"); u.Exists() && u.Get("total_tokens").Int() > 0 {
		s.usage.Merge(strider.Usage{
			Input:     u.Get("prompt_tokens").Int(),
			Output:    u.Get("completion_tokens").Int(),
			CacheRead: u.Get("prompt_tokens_details.cached_tokens").Int(),
		})
	}
	if fr := r.Get("choices.0.finish_reason"); fr.Type == gjson.String && fr.String() != "" {
		s.finish = fr.String()
	}

	delta := r.Get("choices.0.delta")
	if text := delta.Get("content"); text.Type == gjson.String && text.String() != "" {
		if !s.itemOpen {
			s.itemOpen = true
			out = append(out, responsesItemAdded(s.itemIndex, map[string]any{
				"type": "message", "role": "assistant", "id": s.msgItemID(),
			}))
		}
		s.text.WriteString(text.String())
		out = append(out, responsesTextDelta(s.msgItemID(), s.itemIndex, text.String()))
	}
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		if name := tc.Get("function.name").String(); name != "" {
			if s.itemOpen || s.toolOpen {
				s.itemIndex++
			}
			s.itemOpen = false
			s.toolOpen = true
			item := map[string]any{
				"type":    "function_call",
				"id":      fmt.Sprintf("fc_%s_%d", s.id, s.itemIndex),
				"call_id": tc.Get("id").String(),
				"name":    name,
			}
			s.toolItems = append(s.toolItems, item)
			out = append(out, responsesItemAdded(s.itemIndex, item))
		}
		if args := tc.Get("function.arguments").String(); args != "" && len(s.toolItems) > 0 {
			item := s.toolItems[len(s.toolItems)-1]
			item["arguments"] = asString(item["arguments"]) + args
			out = append(out, responsesFuncArgsDelta(asString(item["id"]), s.itemIndex, args))
		}
		return true
	})
	return out, nil
}

func (s *openAIToResponsesStream) msgItemID() string { return "msg_" + s.id }

func (s *openAIToResponsesStream) flush() []strider.StreamChunk {
	if s.finished {
		return []strider.StreamChunk{{Done: true}}
	}
	s.finished = true

	var out []strider.StreamChunk
	var output []map[string]any
	idx := 0
	if s.text.Len() > 0 {
		item := map[string]any{
			"type":   "message",
			"id":     s.msgItemID(),
			"role":   "assistant",
			"status": "completed",
			"content": []map[string]any{{
				"type": "output_text", "text": s.text.String(),
			}},
		}
		out = append(out, responsesItemDone(idx, item))
		output = append(output, item)
		idx++
	}
	for _, item := range s.toolItems {
		item["status"] = "completed"
		out = append(out, responsesItemDone(idx, item))
		output = append(output, item)
		idx++
	}

	status := "completed"
	if s.finish == "length" {
		status = "incomplete"
	}
	u := s.usage
	completed := responsesCompleted(s.id, s.model, status, output, u)
	completed.Usage = &u
	out = append(out, completed, strider.StreamChunk{Done: true})
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// --- openai responses -> openai (chat completions) ---

type responsesToOpenAI struct{}

func (responsesToOpenAI) Request(body []byte) ([]byte, error) {
	var in responsesRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("convert responses request: %w", err)
	}
	out := openAIRequest{
		Model:       in.Model,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
		MaxTokens:   in.MaxOutputTokens,
	}
	for _, t := range in.Tools {
		if t.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	if in.Instructions != "" {
		out.Messages = append(out.Messages, openAIMsg{Role: "system", Content: jsonString(in.Instructions)})
	}

	if len(in.Input) > 0 {
		var s string
		if json.Unmarshal(in.Input, &s) == nil {
			out.Messages = append(out.Messages, openAIMsg{Role: "user", Content: jsonString(s)})
		} else {
			var items []responsesItem
			if err := json.Unmarshal(in.Input, &items); err != nil {
				return nil, fmt.Errorf("convert responses input: %w", err)
			}
			for _, item := range items {
				out.Messages = append(out.Messages, responsesItemToOpenAI(item)...)
			}
		}
	}
	return json.Marshal(out)
}

func responsesItemToOpenAI(item responsesItem) []openAIMsg {
	switch item.Type {
	case "function_call":
		return []openAIMsg{{
			Role: "assistant",
			ToolCalls: []openAIToolCall{{
				ID:       item.CallID,
				Type:     "function",
				Function: openAIToolCallFunc{Name: item.Name, Arguments: item.Arguments},
			}},
		}}
	case "function_call_output":
		return []openAIMsg{{Role: "tool", ToolCallID: item.CallID, Content: jsonString(item.Output)}}
	case "message", "":
		if item.Role == "" {
			return nil
		}
		role := item.Role
		if role == "developer" {
			role = "system"
		}
		msg := openAIMsg{Role: role}
		var s string
		if json.Unmarshal(item.Content, &s) == nil {
			msg.Content = jsonString(s)
			return []openAIMsg{msg}
		}
		var parts []responsesPart
		if json.Unmarshal(item.Content, &parts) != nil {
			return nil
		}
		var content []map[string]any
		textOnly := true
		for _, p := range parts {
			switch p.Type {
			case "input_text", "output_text", "text":
				content = append(content, map[string]any{"type": "text", "text": p.Text})
			case "input_image":
				content = append(content, map[string]any{"type": "image_url", "image_url": map[string]any{"url": p.ImageURL}})
				textOnly = false
			}
		}
		switch {
		case len(content) == 1 && textOnly:
			msg.Content = jsonString(content[0]["text"].(string))
		case len(content) > 0:
			raw, _ := json.Marshal(content)
			msg.Content = raw
		default:
			return nil
		}
		return []openAIMsg{msg}
	}
	return nil
}

func (responsesToOpenAI) Response(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)

	msg := openAIMsg{Role: "assistant"}
	var text strings.Builder
	r.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "output_text" {
					text.WriteString(part.Get("text").String())
				}
				return true
			})
		case "function_call":
			msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
				ID:   item.Get("call_id").String(),
				Type: "function",
				Function: openAIToolCallFunc{
					Name:      item.Get("name").String(),
					Arguments: item.Get("arguments").String(),
				},
			})
		}
		return true
	})
	if text.Len() > 0 {
		msg.Content = jsonString(text.String())
	}

	finish := "stop"
	switch {
	case r.Get("status").String() == "incomplete" && r.Get("incomplete_details.reason").String() == "max_output_tokens":
		finish = "length"
	case len(msg.ToolCalls) > 0:
		finish = "tool_calls"
	}

	out := openAIResponse{
		ID:      r.Get("id").String(),
		Object:  "chat.completion",
		Model:   r.Get("model").String(),
		Choices: []openAIChoice{{Index: 0, Message: &msg, FinishReason: finish}},
	}
	if u := r.Get("usage"); u.Exists() {
		out.Usage = openAIUsageFrom(responsesUsageOf(u))
	}
	return json.Marshal(out)
}

func (responsesToOpenAI) Stream() ChunkConverter { return &responsesToOpenAIStream{} }

// responsesToOpenAIStream replays response.* events as OpenAI chunks.
type responsesToOpenAIStream struct {
	started  bool
	finished bool
	id       string
	model    string
	usage    strider.Usage
	finish   string
	toolSeq  int
}

func (s *responsesToOpenAIStream) Chunk(c strider.StreamChunk) ([]strider.StreamChunk, error) {
	if c.Done {
		return s.flush(), nil
	}
	r := gjson.ParseBytes(c.Data)
	event := c.Event
	if event == "" {
		event = r.Get("type").String()
	}

	switch event {
	case "response.created":
		s.started = true
		s.id = r.Get("response.id").String()
		s.model = r.Get("response.model").String()
		return []strider.StreamChunk{{Data: oaiDeltaChunk(s.id, s.model, map[string]any{"role": "assistant"})}}, nil

	case "response.output_text.delta":
		return []strider.StreamChunk{{Data: oaiDeltaChunk(s.id, s.model, map[string]any{"content": r.Get("delta").String()})}}, nil

	case "response.output_item.added":
		item := r.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil, nil
		}
		chunk := oaiToolCallChunk(s.id, s.model, s.toolSeq,
			item.Get("call_id").String(), item.Get("name").String(), "")
		s.toolSeq++
		s.finish = "tool_calls"
		return []strider.StreamChunk{{Data: chunk}}, nil

	case "response.function_call_arguments.delta":
		return []strider.StreamChunk{{Data: oaiToolCallChunk(
			s.id, s.model, s.toolSeq-1, "", "", r.Get("delta").String(),
		)}}, nil

	case "response.completed", "response.incomplete":
		resp := r.Get("response")
		if u := resp.Get("usage"); u.Exists() {
			s.usage.Merge(responsesUsageOf(u))
		}
		if resp.Get("status").String() == "incomplete" && resp.Get("incomplete_details.reason").String() == "max_output_tokens" {
			s.finish = "length"
		}
		return s.flush(), nil
	}
	return nil, nil
}

func (s *responsesToOpenAIStream) flush() []strider.StreamChunk {
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

func responsesUsageOf(u gjson.Result) strider.Usage {
	return strider.Usage{
		Input:     u.Get("input_tokens").Int(),
		Output:    u.Get("output_tokens").Int(),
		CacheRead: u.Get("input_tokens_details.cached_tokens").Int(),
	}
}
