package convert

import (
	"encoding/json"

	strider "github.com/striderhq/strider/internal"
)

// Builders for synthesized stream events. Each returns the marshaled payload
// for one client-dialect chunk.

// --- OpenAI chat.completion.chunk ---

func oaiDeltaChunk(id, model string, delta map[string]any) []byte {
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": nil,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// oaiToolCallChunk carries a tool-call delta. callID and name are set only on
// the chunk that opens the call; argsDelta may be a fragment of the JSON
// arguments.
func oaiToolCallChunk(id, model string, index int, callID, name, argsDelta string) []byte {
	call := map[string]any{
		"index":    index,
		"function": map[string]any{"arguments": argsDelta},
	}
	if callID != "" {
		call["id"] = callID
		call["type"] = "function"
	}
	if name != "" {
		call["function"] = map[string]any{"name": name, "arguments": argsDelta}
	}
	return oaiDeltaChunk(id, model, map[string]any{"tool_calls": []map[string]any{call}})
}

func oaiFinishChunk(id, model, finishReason string) []byte {
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": finishReason,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func oaiUsageChunk(id, model string, u strider.Usage) []byte {
	usage := map[string]any{
		"prompt_tokens":     u.Input,
		"completion_tokens": u.Output,
		"total_tokens":      u.Input + u.Output,
	}
	if u.CacheRead > 0 {
		usage["prompt_tokens_details"] = map[string]any{"cached_tokens": u.CacheRead}
	}
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{},
		"usage":   usage,
	}
	b, _ := json.Marshal(chunk)
	return b
}

// --- Anthropic SSE events ---

// claudeEventChunk marshals payload with its "type" discriminator and tags
// the chunk with the SSE event name.
func claudeEventChunk(event string, payload map[string]any) strider.StreamChunk {
	payload["type"] = event
	b, _ := json.Marshal(payload)
	return strider.StreamChunk{Event: event, Data: b}
}

func claudeMessageStart(id, model string, u strider.Usage) strider.StreamChunk {
	return claudeEventChunk("message_start", map[string]any{
		"message": map[string]any{
			"id":      id,
			"type":    "message",
			"role":    "assistant",
			"model":   model,
			"content": []any{},
			"usage":   claudeUsagePayload(u),
		},
	})
}

func claudeTextBlockStart(index int) strider.StreamChunk {
	return claudeEventChunk("content_block_start", map[string]any{
		"index":         index,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
}

func claudeToolBlockStart(index int, callID, name string) strider.StreamChunk {
	return claudeEventChunk("content_block_start", map[string]any{
		"index":         index,
		"content_block": map[string]any{"type": "tool_use", "id": callID, "name": name, "input": map[string]any{}},
	})
}

func claudeTextDelta(index int, text string) strider.StreamChunk {
	return claudeEventChunk("content_block_delta", map[string]any{
		"index": index,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
}

func claudeInputJSONDelta(index int, partial string) strider.StreamChunk {
	return claudeEventChunk("content_block_delta", map[string]any{
		"index": index,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": partial},
	})
}

func claudeBlockStop(index int) strider.StreamChunk {
	return claudeEventChunk("content_block_stop", map[string]any{"index": index})
}

func claudeMessageDelta(stopReason string, u strider.Usage) strider.StreamChunk {
	return claudeEventChunk("message_delta", map[string]any{
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": u.Output},
	})
}

func claudeMessageStop() strider.StreamChunk {
	return claudeEventChunk("message_stop", map[string]any{})
}

func claudeUsagePayload(u strider.Usage) map[string]any {
	p := map[string]any{
		"input_tokens":  u.Input,
		"output_tokens": u.Output,
	}
	if u.CacheRead > 0 {
		p["cache_read_input_tokens"] = u.CacheRead
	}
	if u.CacheCreation > 0 {
		p["cache_creation_input_tokens"] = u.CacheCreation
	}
	return p
}

// --- Gemini stream objects ---

func geminiTextChunk(text string) []byte {
	chunk := geminiResponse{
		Candidates: []geminiCandidate{{
			Content: &geminiContent{Role: "model", Parts: []geminiPart{{Text: text}}},
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func geminiFuncCallChunk(name string, args json.RawMessage) []byte {
	chunk := geminiResponse{
		Candidates: []geminiCandidate{{
			Content: &geminiContent{Role: "model", Parts: []geminiPart{{
				FunctionCall: &geminiFuncCall{Name: name, Args: args},
			}}},
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func geminiFinalChunk(finishReason string, u strider.Usage) []byte {
	chunk := geminiResponse{
		Candidates: []geminiCandidate{{
			Content:      &geminiContent{Role: "model", Parts: []geminiPart{}},
			FinishReason: finishReason,
		}},
		UsageMetadata: &geminiUsage{
			PromptTokenCount:        u.Input,
			CandidatesTokenCount:    u.Output,
			TotalTokenCount:         u.Input + u.Output,
			CachedContentTokenCount: u.CacheRead,
		},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// --- OpenAI Responses events ---

// responsesEventChunk marshals payload with its "type" discriminator and
// tags the chunk with the SSE event name.
func responsesEventChunk(event string, payload map[string]any) strider.StreamChunk {
	payload["type"] = event
	b, _ := json.Marshal(payload)
	return strider.StreamChunk{Event: event, Data: b}
}

func responsesCreated(id, model string) strider.StreamChunk {
	return responsesEventChunk("response.created", map[string]any{
		"response": map[string]any{
			"id":     id,
			"object": "response",
			"model":  model,
			"status": "in_progress",
		},
	})
}

func responsesItemAdded(outputIndex int, item map[string]any) strider.StreamChunk {
	return responsesEventChunk("response.output_item.added", map[string]any{
		"output_index": outputIndex,
		"item":         item,
	})
}

func responsesTextDelta(itemID string, outputIndex int, delta string) strider.StreamChunk {
	return responsesEventChunk("response.output_text.delta", map[string]any{
		"item_id":       itemID,
		"output_index":  outputIndex,
		"content_index": 0,
		"delta":         delta,
	})
}

func responsesFuncArgsDelta(itemID string, outputIndex int, delta string) strider.StreamChunk {
	return responsesEventChunk("response.function_call_arguments.delta", map[string]any{
		"item_id":      itemID,
		"output_index": outputIndex,
		"delta":        delta,
	})
}

func responsesItemDone(outputIndex int, item map[string]any) strider.StreamChunk {
	return responsesEventChunk("response.output_item.done", map[string]any{
		"output_index": outputIndex,
		"item":         item,
	})
}

func responsesCompleted(id, model, status string, output []map[string]any, u strider.Usage) strider.StreamChunk {
	usage := map[string]any{
		"input_tokens":  u.Input,
		"output_tokens": u.Output,
		"total_tokens":  u.Input + u.Output,
	}
	if u.CacheRead > 0 {
		usage["input_tokens_details"] = map[string]any{"cached_tokens": u.CacheRead}
	}
	resp := map[string]any{
		"id":     id,
		"object": "response",
		"model":  model,
		"status": status,
		"output": output,
		"usage":  usage,
	}
	return responsesEventChunk("response.completed", map[string]any{"response": resp})
}
