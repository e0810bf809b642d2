package stream

import (
	"encoding/base64"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"
)

// eventStreamContentType marks a Bedrock invoke-with-response-stream body.
const eventStreamContentType = "application/vnd.amazon.eventstream"

// BedrockReader decodes AWS binary event stream framing. Each frame's
// payload is {"bytes":"<base64>"} wrapping a standard Anthropic event, so
// after unwrapping the frames look exactly like the vendor's SSE events.
// Raw is re-framed as SSE: downstream of this reader nothing else knows
// Bedrock exists, and passthrough emits a valid Anthropic stream.
type BedrockReader struct {
	r       io.Reader
	decoder *eventstream.Decoder
	done    bool
}

func NewBedrockReader(r io.Reader) *BedrockReader {
	return &BedrockReader{r: r, decoder: eventstream.NewDecoder()}
}

func (b *BedrockReader) Next() (*Frame, error) {
	if b.done {
		return nil, io.EOF
	}
	for {
		msg, err := b.decoder.Decode(b.r, nil)
		if err != nil {
			b.done = true
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("stream: decode event stream: %w", err)
		}

		switch headerString(msg.Headers, ":message-type") {
		case "exception":
			b.done = true
			exType := headerString(msg.Headers, ":exception-type")
			payload := msg.Payload
			if len(payload) > 512 {
				payload = payload[:512]
			}
			return nil, fmt.Errorf("stream: bedrock exception %s: %s", exType, payload)
		case "event":
		default:
			continue
		}

		data, err := unwrapEventBytes(msg.Payload)
		if err != nil {
			b.done = true
			return nil, err
		}
		event := gjson.GetBytes(data, "type").String()
		raw := make([]byte, 0, len(event)+len(data)+16)
		if event != "" {
			raw = append(raw, "event: "...)
			raw = append(raw, event...)
			raw = append(raw, '\n')
		}
		raw = append(raw, "data: "...)
		raw = append(raw, data...)
		raw = append(raw, '\n', '\n')
		return &Frame{Event: event, Data: data, Raw: raw}, nil
	}
}

func headerString(headers eventstream.Headers, name string) string {
	if v, ok := headers.Get(name).(eventstream.StringValue); ok {
		return string(v)
	}
	return ""
}

// unwrapEventBytes extracts and decodes the base64 "bytes" field every
// Bedrock event payload wraps its vendor JSON in.
func unwrapEventBytes(payload []byte) ([]byte, error) {
	b64 := gjson.GetBytes(payload, "bytes").String()
	if b64 == "" {
		return nil, fmt.Errorf("stream: event payload missing bytes field")
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("stream: decode event bytes: %w", err)
	}
	return data, nil
}
