package types

import (
	"encoding/json"
	"strings"
)

// CanonicalRequest is the dialect-agnostic description of one chat turn.
// It is built by the caller and not modified afterwards; the request builder
// derives the backend-specific body from it.
type CanonicalRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`

	// Context is an opaque token returned by a previous turn. It is forwarded
	// unchanged and never interpreted beyond the string check used to render
	// a context note.
	Context json.RawMessage `json:"context,omitempty"`

	// Stream is nil when the caller did not say; streaming is the default.
	Stream *bool `json:"stream,omitempty"`
}

// StreamEnabled reports whether the request asks for a streamed response.
func (r CanonicalRequest) StreamEnabled() bool {
	return r.Stream == nil || *r.Stream
}

// HasContext reports whether an opaque context token is attached.
func (r CanonicalRequest) HasContext() bool {
	return HasOpaque(r.Context)
}

// HasOpaque reports whether raw holds a value other than JSON null.
func HasOpaque(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null"
}

// DeltaEvent is what the stream normalizer hands to its consumer. Once an
// event with Done set has been delivered, no further event follows for the
// same response.
type DeltaEvent struct {
	Text    string          `json:"response,omitempty"`
	Done    bool            `json:"done"`
	Context json.RawMessage `json:"context,omitempty"`

	// Err is set on a terminal event caused by a transport failure.
	Err error `json:"-"`
}

// ChatMessage is a single role/content pair of an outbound message list.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
