package types

import "encoding/json"

// OllamaMessage represents a message in the Ollama format.
type OllamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OllamaStreamChunk is one line of an Ollama /api/chat NDJSON stream.
type OllamaStreamChunk struct {
	Model     string          `json:"model"`
	CreatedAt string          `json:"created_at"`
	Message   OllamaMessage   `json:"message"`
	Done      bool            `json:"done"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// OllamaChatRequest is the body of an Ollama /api/chat call.
type OllamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}
