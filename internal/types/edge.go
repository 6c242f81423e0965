package types

import "encoding/json"

// EdgeChunk is one NDJSON line produced by the edge proxy.
type EdgeChunk struct {
	Done     bool            `json:"done"`
	Response string          `json:"response,omitempty"`
	Context  json.RawMessage `json:"context,omitempty"`
}

// EdgeGenerateRequest is the body accepted by the edge /api/generate route.
// Either Messages or Prompt must be set.
type EdgeGenerateRequest struct {
	Model    string          `json:"model"`
	Messages []ChatMessage   `json:"messages,omitempty"`
	Prompt   string          `json:"prompt,omitempty"`
	System   string          `json:"system,omitempty"`
	Context  json.RawMessage `json:"context,omitempty"`
	Stream   *bool           `json:"stream,omitempty"`
}

// SingleResponse is the one-shot JSON body of the single-JSON dialect.
type SingleResponse struct {
	Response string          `json:"response"`
	Done     bool            `json:"done"`
	Context  json.RawMessage `json:"context,omitempty"`
}

// SessionContext is the opaque context the session backend hands out.
type SessionContext struct {
	SessionID string `json:"session_id"`
}

// SingleRequest is the body posted to a single-JSON backend.
type SingleRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`
	Stream  bool            `json:"stream"`
}
