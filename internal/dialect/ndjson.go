package dialect

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/n0madic/go-chatrelay/internal/stream"
)

// ollamaDecoder decodes Ollama /api/chat NDJSON lines:
// {"model":..,"created_at":..,"message":{"content":..},"done":bool}.
type ollamaDecoder struct{}

func (ollamaDecoder) Dialect() Dialect { return OllamaNDJSON }
func (ollamaDecoder) Policy() stream.Policy { return stream.PolicyLines }

func (d ollamaDecoder) Decode(f stream.Frame) Result {
	return decodeNDJSONLine(f.Raw, func(obj gjson.Result) string {
		if content := obj.Get("message.content"); content.Type == gjson.String {
			return content.Str
		}
		// /api/generate replies carry the text at the top level.
		if content := obj.Get("response"); content.Type == gjson.String {
			return content.Str
		}
		return ""
	})
}

func (d ollamaDecoder) DecodeBody(body []byte) Result {
	res := d.Decode(stream.Frame{Raw: string(body)})
	if res.Err == nil {
		res.Done = true
	}
	return res
}

// edgeDecoder decodes the edge proxy's {"done":bool,"response":..} lines. The
// edge copies upstream fields verbatim, so chat-completions chunks re-framed
// by it are understood as well.
type edgeDecoder struct{}

func (edgeDecoder) Dialect() Dialect { return EdgeNDJSON }
func (edgeDecoder) Policy() stream.Policy { return stream.PolicyLines }

func (edgeDecoder) Decode(f stream.Frame) Result {
	var finished bool
	res := decodeNDJSONLine(f.Raw, func(obj gjson.Result) string {
		if content := obj.Get("response"); content.Type == gjson.String {
			return content.Str
		}
		choice := openAIChoice(obj)
		finished = choice.Done
		return choice.Text
	})
	if finished {
		res.Done = true
	}
	return res
}

func (d edgeDecoder) DecodeBody(body []byte) Result {
	res := d.Decode(stream.Frame{Raw: string(body)})
	if res.Err == nil {
		res.Done = true
	}
	return res
}

// singleDecoder decodes the single-JSON dialect: the whole body is one
// {"response":..,"done":..,"context":..} object.
type singleDecoder struct{}

func (singleDecoder) Dialect() Dialect { return SingleJSON }
func (singleDecoder) Policy() stream.Policy { return stream.PolicyLines }

func (d singleDecoder) Decode(f stream.Frame) Result {
	return d.DecodeBody([]byte(f.Raw))
}

func (singleDecoder) DecodeBody(body []byte) Result {
	if !gjson.ValidBytes(body) {
		return malformed("single json body")
	}
	obj := gjson.ParseBytes(body)
	res := Result{Done: true, Context: contextOf(obj)}
	if text := obj.Get("response"); text.Type == gjson.String {
		res.Text = text.Str
	}
	return res
}

func decodeNDJSONLine(raw string, text func(gjson.Result) string) Result {
	line := strings.TrimSpace(raw)
	if line == "" {
		return Result{}
	}
	if !gjson.Valid(line) {
		return malformed("ndjson line %.64q", line)
	}
	obj := gjson.Parse(line)
	if !obj.IsObject() {
		return Result{}
	}
	return Result{
		Text:    text(obj),
		Done:    obj.Get("done").Type == gjson.True,
		Context: contextOf(obj),
	}
}

func contextOf(obj gjson.Result) json.RawMessage {
	ctx := obj.Get("context")
	if !ctx.Exists() || ctx.Type == gjson.Null {
		return nil
	}
	return json.RawMessage(ctx.Raw)
}
