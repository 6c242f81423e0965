// Package transform builds backend HTTP requests from a canonical chat turn.
package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/n0madic/go-chatrelay/internal/codec"
	"github.com/n0madic/go-chatrelay/internal/config"
	"github.com/n0madic/go-chatrelay/internal/dialect"
	"github.com/n0madic/go-chatrelay/internal/types"
)

// ErrProtocolViolation rejects a request that cannot be sent as built.
var ErrProtocolViolation = errors.New("protocol violation")

const contextNotePrefix = "Context:\n"

// Validate checks the fields every backend requires.
func Validate(req types.CanonicalRequest) error {
	if strings.TrimSpace(req.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrProtocolViolation)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrProtocolViolation)
	}
	return nil
}

// Build validates req and produces the POST request for profile. The host
// and the fallback system prompt come from sess; Authorization is added by
// the client transport.
func Build(ctx context.Context, req types.CanonicalRequest, profile dialect.Profile, sess config.SessionSnapshot) (*http.Request, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(sess.Host) == "" {
		return nil, fmt.Errorf("%w: no host configured", ErrProtocolViolation)
	}
	body, err := EncodeBody(req, profile, sess.SystemPrompt)
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(sess.Host, "/") + profile.Path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", codec.ContentTypeJSON)
	if req.StreamEnabled() {
		httpReq.Header.Set("Accept", profile.Dialect.ContentType())
	} else {
		httpReq.Header.Set("Accept", codec.ContentTypeJSON)
	}
	config.ApplyDefaultHeaders(httpReq.Header)
	return httpReq, nil
}

// ResolveSystem returns the request's system prompt, or fallback when the
// request has none, trimmed.
func ResolveSystem(req types.CanonicalRequest, fallback string) string {
	if s := strings.TrimSpace(req.System); s != "" {
		return s
	}
	return strings.TrimSpace(fallback)
}

// BuildMessages assembles the outbound message list: the system prompt, a
// context note when the opaque context is a JSON string, then the user turn.
func BuildMessages(req types.CanonicalRequest, fallbackSystem string) []types.ChatMessage {
	var messages []types.ChatMessage
	if system := ResolveSystem(req, fallbackSystem); system != "" {
		messages = append(messages, types.ChatMessage{Role: "system", Content: system})
	}
	if note, ok := contextNote(req.Context); ok {
		messages = append(messages, types.ChatMessage{Role: "system", Content: contextNotePrefix + note})
	}
	return append(messages, types.ChatMessage{Role: "user", Content: req.Prompt})
}

func contextNote(raw json.RawMessage) (string, bool) {
	if !types.HasOpaque(raw) {
		return "", false
	}
	ctx := gjson.ParseBytes(raw)
	if ctx.Type != gjson.String || ctx.Str == "" {
		return "", false
	}
	return ctx.Str, true
}

// EncodeBody renders the JSON body for the profile's dialect.
func EncodeBody(req types.CanonicalRequest, profile dialect.Profile, fallbackSystem string) ([]byte, error) {
	model := profile.NormalizeModel(req.Model)
	stream := req.StreamEnabled()

	switch profile.Dialect {
	case dialect.OpenAISSE:
		return openAIBody(model, BuildMessages(req, fallbackSystem), stream)
	case dialect.OllamaNDJSON:
		return json.Marshal(types.OllamaChatRequest{
			Model:    model,
			Messages: BuildMessages(req, fallbackSystem),
			Stream:   stream,
		})
	case dialect.EdgeNDJSON:
		return json.Marshal(types.EdgeGenerateRequest{
			Model:    model,
			Messages: BuildMessages(req, fallbackSystem),
			Stream:   types.BoolPtr(stream),
		})
	case dialect.SingleJSON:
		return json.Marshal(types.SingleRequest{
			Model:   model,
			Prompt:  req.Prompt,
			System:  ResolveSystem(req, fallbackSystem),
			Context: req.Context,
			Stream:  false,
		})
	default:
		return nil, fmt.Errorf("%w: no request encoder for %s", ErrProtocolViolation, profile.Dialect)
	}
}

// openAIBody encodes a chat-completions body. The SDK params carry no
// stream field, so it is set on the encoded JSON.
func openAIBody(model string, messages []types.ChatMessage, stream bool) ([]byte, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		switch m.Role {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case "assistant":
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding chat body: %w", err)
	}
	return sjson.SetBytes(body, "stream", stream)
}
