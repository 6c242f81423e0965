package dialect

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/n0madic/go-chatrelay/internal/stream"
)

const doneSentinel = "[DONE]"

// openAIDecoder decodes chat-completions SSE. It accepts one SSE line per
// frame as well as whole multi-field events.
type openAIDecoder struct {
	policy stream.Policy
}

// NewOpenAISSE returns an OpenAI chat-completions SSE decoder that expects
// frames cut with the given policy.
func NewOpenAISSE(policy stream.Policy) Decoder {
	return openAIDecoder{policy: policy}
}

func (openAIDecoder) Dialect() Dialect { return OpenAISSE }
func (d openAIDecoder) Policy() stream.Policy { return d.policy }

func (openAIDecoder) Decode(f stream.Frame) Result {
	payload, ok := ssePayload(f.Raw)
	if !ok || payload == "" {
		return Result{}
	}
	if payload == doneSentinel {
		return Result{Done: true}
	}
	if !gjson.Valid(payload) {
		return malformed("openai sse payload %.64q", payload)
	}
	return openAIChoice(gjson.Parse(payload))
}

// DecodeBody handles a non-streamed chat completion object.
func (openAIDecoder) DecodeBody(body []byte) Result {
	if !gjson.ValidBytes(body) {
		return malformed("openai completion body")
	}
	choice := gjson.GetBytes(body, "choices.0")
	res := Result{Done: true}
	if content := choice.Get("message.content"); content.Type == gjson.String {
		res.Text = content.Str
	} else if content := choice.Get("delta.content"); content.Type == gjson.String {
		res.Text = content.Str
	}
	return res
}

// openAIChoice applies the chat-completions extraction rule to a parsed
// chunk: choices[0].delta.content is the delta, a non-null finish_reason
// completes the stream.
func openAIChoice(chunk gjson.Result) Result {
	var res Result
	choice := chunk.Get("choices.0")
	if !choice.Exists() {
		return res
	}
	if content := choice.Get("delta.content"); content.Type == gjson.String {
		res.Text = content.Str
	}
	if reason := choice.Get("finish_reason"); reason.Exists() && reason.Type != gjson.Null && reason.String() != "" {
		res.Done = true
	}
	return res
}

// ssePayload joins the data fields of an SSE frame. Comment lines (":")
// and other fields are skipped. ok is false when the frame has no data field.
func ssePayload(raw string) (string, bool) {
	var parts []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		parts = append(parts, strings.TrimSpace(line[len("data:"):]))
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}
