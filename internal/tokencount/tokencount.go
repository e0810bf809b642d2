// Package tokencount estimates token counts for requests whose upstream
// response carried no usage block, and for pre-dispatch TPM accounting.
// Counting uses tiktoken encodings when the encoding data loads and falls
// back to a bytes-per-token heuristic when it does not, so an air-gapped
// deployment still produces ledger rows.
package tokencount

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tidwall/gjson"

	strider "github.com/striderhq/strider/internal"
)

// bytesPerToken is the heuristic ratio for English-heavy traffic.
const bytesPerToken = 4

// messageOverhead is the per-message priming cost in chat dialects.
const messageOverhead = 4

// Counter counts tokens. Encodings load lazily and cache per name; a failed
// load caches too, so the heuristic path is taken without retrying the
// download on every request.
type Counter struct {
	mu   sync.Mutex
	encs map[string]*tiktoken.Tiktoken
}

func NewCounter() *Counter {
	return &Counter{encs: make(map[string]*tiktoken.Tiktoken)}
}

// encodingFor maps a model name to a tiktoken encoding. Non-OpenAI models
// count with o200k_base, which tracks within a few percent on mixed text.
func encodingFor(model string) string {
	if model == "gpt-4" || strings.HasPrefix(model, "gpt-4-") || strings.HasPrefix(model, "gpt-3.5") {
		return "cl100k_base"
	}
	return "o200k_base"
}

func (c *Counter) encoding(model string) *tiktoken.Tiktoken {
	name := encodingFor(model)
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encs[name]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		enc = nil
	}
	c.encs[name] = enc
	return enc
}

// Count returns the token count of text for model.
func (c *Counter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoding(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return heuristic(len(text))
}

// CharsToTokens converts an accumulated character count to a token estimate.
// Stream outcomes keep only the generated text's length, not the text.
func CharsToTokens(n int) int64 {
	return int64(heuristic(n))
}

func heuristic(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + bytesPerToken - 1) / bytesPerToken
}

// EstimateRequest estimates the input tokens of a request body by walking
// the dialect's text-bearing fields. The result is never below 1 for a
// non-empty body: the upstream charged for something.
func (c *Counter) EstimateRequest(format strider.Format, model string, body []byte) int64 {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return 0
	}
	text, messages := requestText(format, body)
	n := c.Count(model, text) + messages*messageOverhead + 3
	return int64(max(n, 1))
}

// requestText collects the prompt text of a request body and the number of
// messages it carries.
func requestText(format strider.Format, body []byte) (string, int) {
	root := gjson.ParseBytes(body)
	var sb strings.Builder
	messages := 0

	grab := func(r gjson.Result) {
		if r.Type == gjson.String {
			sb.WriteString(r.String())
			sb.WriteByte('\n')
		}
	}
	grabParts := func(parts gjson.Result, field string) {
		parts.ForEach(func(_, p gjson.Result) bool {
			grab(p.Get(field))
			return true
		})
	}

	switch format.Base() {
	case strider.FormatClaude:
		if sys := root.Get("system"); sys.Type == gjson.String {
			grab(sys)
		} else {
			grabParts(sys, "text")
		}
		root.Get("messages").ForEach(func(_, m gjson.Result) bool {
			messages++
			if content := m.Get("content"); content.Type == gjson.String {
				grab(content)
			} else {
				grabParts(content, "text")
			}
			return true
		})
	case strider.FormatGemini:
		grabParts(root.Get("systemInstruction.parts"), "text")
		root.Get("contents").ForEach(func(_, m gjson.Result) bool {
			messages++
			grabParts(m.Get("parts"), "text")
			return true
		})
	case strider.FormatResponses:
		grab(root.Get("instructions"))
		if in := root.Get("input"); in.Type == gjson.String {
			messages++
			grab(in)
		} else {
			in.ForEach(func(_, m gjson.Result) bool {
				messages++
				if content := m.Get("content"); content.Type == gjson.String {
					grab(content)
				} else {
					grabParts(content, "text")
				}
				return true
			})
		}
	default: // openai
		root.Get("messages").ForEach(func(_, m gjson.Result) bool {
			messages++
			if content := m.Get("content"); content.Type == gjson.String {
				grab(content)
			} else {
				grabParts(content, "text")
			}
			return true
		})
	}
	return sb.String(), messages
}

// ResponseText extracts the generated text of a complete response body in
// the given dialect, for output-side estimation.
func ResponseText(format strider.Format, body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	root := gjson.ParseBytes(body)
	var sb strings.Builder

	switch format.Base() {
	case strider.FormatClaude:
		root.Get("content").ForEach(func(_, p gjson.Result) bool {
			sb.WriteString(p.Get("text").String())
			return true
		})
	case strider.FormatGemini:
		root.Get("candidates.0.content.parts").ForEach(func(_, p gjson.Result) bool {
			sb.WriteString(p.Get("text").String())
			return true
		})
	case strider.FormatResponses:
		root.Get("output").ForEach(func(_, item gjson.Result) bool {
			item.Get("content").ForEach(func(_, p gjson.Result) bool {
				sb.WriteString(p.Get("text").String())
				return true
			})
			return true
		})
	default: // openai
		sb.WriteString(root.Get("choices.0.message.content").String())
	}
	return sb.String()
}
