// Package dialect decodes the frames of the supported backend wire formats
// into text deltas and completion signals.
package dialect

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/n0madic/go-chatrelay/internal/stream"
)

// Dialect identifies a backend's streaming wire format.
type Dialect int

const (
	OpenAISSE Dialect = iota
	OllamaNDJSON
	SingleJSON
	EdgeNDJSON
)

var dialectNames = map[Dialect]string{
	OpenAISSE:    "openai-sse",
	OllamaNDJSON: "ollama-ndjson",
	SingleJSON:   "single-json",
	EdgeNDJSON:   "edge-ndjson",
}

func (d Dialect) String() string {
	if name, ok := dialectNames[d]; ok {
		return name
	}
	return fmt.Sprintf("dialect(%d)", int(d))
}

// ContentType is the response media type a backend of this dialect sends.
func (d Dialect) ContentType() string {
	switch d {
	case OpenAISSE:
		return "text/event-stream"
	case SingleJSON:
		return "application/json"
	default:
		return "application/x-ndjson"
	}
}

// ParseDialect resolves a dialect by its String form.
func ParseDialect(name string) (Dialect, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for d, n := range dialectNames {
		if n == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown dialect %q", name)
}

// ErrMalformed marks a frame whose payload could not be parsed.
var ErrMalformed = errors.New("malformed frame")

// Kind classifies a decode result.
type Kind int

const (
	KindIgnore Kind = iota
	KindDelta
	KindDone
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindDelta:
		return "delta"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	default:
		return "ignore"
	}
}

// Result is the outcome of decoding one frame. Text and Done may both be set
// when a frame carries the last fragment together with the completion flag;
// the text must then be delivered before completion.
type Result struct {
	Text    string
	Done    bool
	Context json.RawMessage
	Err     error
}

// Kind reports the dominant classification of the result.
func (r Result) Kind() Kind {
	switch {
	case r.Err != nil:
		return KindError
	case r.Done:
		return KindDone
	case r.Text != "":
		return KindDelta
	default:
		return KindIgnore
	}
}

// Decoder extracts a Result from one frame of a specific dialect.
type Decoder interface {
	Dialect() Dialect
	// Policy is the frame delimiter policy the dialect is read with.
	Policy() stream.Policy
	Decode(f stream.Frame) Result
}

// BodyDecoder decodes a complete, unframed response body in one shot. It is
// used for the single-JSON dialect and for non-streamed replies of the
// streaming dialects.
type BodyDecoder interface {
	DecodeBody(body []byte) Result
}

// New returns the decoder for d using the dialect's default frame policy.
func New(d Dialect) (Decoder, error) {
	switch d {
	case OpenAISSE:
		return NewOpenAISSE(stream.PolicyLines), nil
	case OllamaNDJSON:
		return ollamaDecoder{}, nil
	case SingleJSON:
		return singleDecoder{}, nil
	case EdgeNDJSON:
		return edgeDecoder{}, nil
	default:
		return nil, fmt.Errorf("no decoder for %s", d)
	}
}

func malformed(format string, args ...any) Result {
	return Result{Err: fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)}
}
