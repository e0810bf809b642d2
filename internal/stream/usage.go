package stream

import (
	"github.com/tidwall/gjson"

	strider "github.com/striderhq/strider/internal"
)

// usageSink accumulates usage counters and the upstream response id from
// stream frames. Vendors repeat and revise usage across frames, so fields
// merge defensively: a later zero never clobbers an earlier count. It also
// tallies the length of generated text, the raw material for token
// estimation when a stream ends without a usage block.
type usageSink struct {
	format    strider.Format
	usage     strider.Usage
	id        string
	textChars int
}

func newUsageSink(format strider.Format) *usageSink {
	return &usageSink{format: format.Base()}
}

func (s *usageSink) observe(data []byte) {
	if len(data) == 0 || !gjson.ValidBytes(data) {
		return
	}
	root := gjson.ParseBytes(data)
	switch s.format {
	case strider.FormatClaude:
		s.observeClaude(root)
	case strider.FormatGemini:
		s.observeGemini(root)
	case strider.FormatResponses:
		s.observeResponses(root)
	default:
		s.observeOpenAI(root)
	}
}

func (s *usageSink) observeClaude(root gjson.Result) {
	switch root.Get("type").String() {
	case "message_start":
		msg := root.Get("message")
		if id := msg.Get("id").String(); id != "" {
			s.id = id
		}
		s.merge(msg.Get("usage"))
	case "content_block_delta":
		delta := root.Get("delta")
		s.textChars += len(delta.Get("text").String())
		s.textChars += len(delta.Get("partial_json").String())
	case "message_delta":
		s.merge(root.Get("usage"))
	}
}

func (s *usageSink) observeOpenAI(root gjson.Result) {
	if id := root.Get("id").String(); id != "" {
		s.id = id
	}
	delta := root.Get("choices.0.delta")
	s.textChars += len(delta.Get("content").String())
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		s.textChars += len(tc.Get("function.arguments").String())
		return true
	})
	u := root.Get("usage")
	if !u.IsObject() {
		return
	}
	s.usage.Merge(strider.Usage{
		Input:     u.Get("prompt_tokens").Int(),
		Output:    u.Get("completion_tokens").Int(),
		CacheRead: u.Get("prompt_tokens_details.cached_tokens").Int(),
	})
}

func (s *usageSink) observeResponses(root gjson.Result) {
	if root.Get("type").String() == "response.output_text.delta" {
		s.textChars += len(root.Get("delta").String())
		return
	}
	resp := root.Get("response")
	if !resp.Exists() {
		return
	}
	if id := resp.Get("id").String(); id != "" {
		s.id = id
	}
	u := resp.Get("usage")
	if !u.IsObject() {
		return
	}
	s.usage.Merge(strider.Usage{
		Input:     u.Get("input_tokens").Int(),
		Output:    u.Get("output_tokens").Int(),
		CacheRead: u.Get("input_tokens_details.cached_tokens").Int(),
	})
}

func (s *usageSink) observeGemini(root gjson.Result) {
	if id := root.Get("responseId").String(); id != "" {
		s.id = id
	}
	root.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		s.textChars += len(part.Get("text").String())
		return true
	})
	u := root.Get("usageMetadata")
	if !u.Exists() {
		return
	}
	// Thinking tokens bill as output, so they fold into the output count.
	s.usage.Merge(strider.Usage{
		Input:     u.Get("promptTokenCount").Int(),
		Output:    u.Get("candidatesTokenCount").Int() + u.Get("thoughtsTokenCount").Int(),
		CacheRead: u.Get("cachedContentTokenCount").Int(),
	})
}

// merge folds a Claude usage object into the running totals.
func (s *usageSink) merge(u gjson.Result) {
	if !u.Exists() {
		return
	}
	s.usage.Merge(strider.Usage{
		Input:         u.Get("input_tokens").Int(),
		Output:        u.Get("output_tokens").Int(),
		CacheRead:     u.Get("cache_read_input_tokens").Int(),
		CacheCreation: u.Get("cache_creation_input_tokens").Int(),
	})
}

// ExtractUsage pulls token counters and the response id out of a complete
// non-stream response body. Unlike stream frames, the counters live at the
// object root in every dialect.
func ExtractUsage(format strider.Format, body []byte) (strider.Usage, string) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return strider.Usage{}, ""
	}
	root := gjson.ParseBytes(body)
	var usage strider.Usage
	var id string

	switch format.Base() {
	case strider.FormatClaude:
		id = root.Get("id").String()
		u := root.Get("usage")
		usage.Merge(strider.Usage{
			Input:         u.Get("input_tokens").Int(),
			Output:        u.Get("output_tokens").Int(),
			CacheRead:     u.Get("cache_read_input_tokens").Int(),
			CacheCreation: u.Get("cache_creation_input_tokens").Int(),
		})
	case strider.FormatGemini:
		id = root.Get("responseId").String()
		u := root.Get("usageMetadata")
		usage.Merge(strider.Usage{
			Input:     u.Get("promptTokenCount").Int(),
			Output:    u.Get("candidatesTokenCount").Int() + u.Get("thoughtsTokenCount").Int(),
			CacheRead: u.Get("cachedContentTokenCount").Int(),
		})
	case strider.FormatResponses:
		id = root.Get("id").String()
		u := root.Get("usage")
		usage.Merge(strider.Usage{
			Input:     u.Get("input_tokens").Int(),
			Output:    u.Get("output_tokens").Int(),
			CacheRead: u.Get("input_tokens_details.cached_tokens").Int(),
		})
	default:
		id = root.Get("id").String()
		u := root.Get("usage")
		usage.Merge(strider.Usage{
			Input:     u.Get("prompt_tokens").Int(),
			Output:    u.Get("completion_tokens").Int(),
			CacheRead: u.Get("prompt_tokens_details.cached_tokens").Int(),
		})
	}
	return usage, id
}
