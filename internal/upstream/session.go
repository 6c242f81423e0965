package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/n0madic/go-chatrelay/internal/codec"
	"github.com/n0madic/go-chatrelay/internal/config"
)

const sessionHTTPTimeout = 2 * time.Minute

// ErrSessionFailed is returned when the session backend answers with
// success=false.
var ErrSessionFailed = errors.New("session backend reported failure")

// SessionRequest is the body of a createChatSession call.
type SessionRequest struct {
	Message       string `json:"message"`
	LLMModel      string `json:"llm_model"`
	ChatSessionID string `json:"chat_session_id,omitempty"`
}

// SessionReply is the decoded createChatSession answer.
type SessionReply struct {
	Success       bool
	Response      string
	ChatSessionID string
	Error         string
}

// SessionClient calls the single-shot chat-session backend.
type SessionClient struct {
	HTTP         *http.Client
	URL          string
	APIKey       string
	DefaultModel string
	Verbose      bool
}

// NewSessionClient creates a session backend client from the server
// configuration.
func NewSessionClient(cfg *config.ServerConfig) *SessionClient {
	return &SessionClient{
		HTTP:         &http.Client{Timeout: sessionHTTPTimeout},
		URL:          cfg.SessionURL,
		APIKey:       cfg.SessionAPIKey,
		DefaultModel: cfg.DefaultSessionModel,
		Verbose:      cfg.Verbose,
	}
}

// CreateChatSession sends one message and returns the backend's reply.
// The backend authenticates with an apiKey header rather than a bearer
// token.
func (c *SessionClient) CreateChatSession(ctx context.Context, req SessionRequest) (*SessionReply, error) {
	if strings.TrimSpace(req.LLMModel) == "" {
		req.LLMModel = c.DefaultModel
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if c.Verbose {
		slog.Info("upstream.session.request", "model", req.LLMModel, "resume", req.ChatSessionID != "")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", codec.ContentTypeJSON)
	if c.APIKey != "" {
		httpReq.Header.Set("apiKey", c.APIKey)
	}
	config.ApplyDefaultHeaders(httpReq.Header)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream session request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes*16))
	if err != nil {
		return nil, fmt.Errorf("reading session reply: %w", err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: raw, Headers: resp.Header}
	}

	parsed := gjson.ParseBytes(raw)
	reply := &SessionReply{
		Success:       parsed.Get("success").Bool(),
		Response:      parsed.Get("response").String(),
		ChatSessionID: parsed.Get("chat_session_id").String(),
		Error:         codec.ExtractUpstreamErrorMessage(raw),
	}
	if c.Verbose {
		slog.Info("upstream.session.response", "status", resp.StatusCode, "success", reply.Success)
	}
	if !reply.Success {
		if reply.Error == "" {
			reply.Error = http.StatusText(resp.StatusCode)
		}
		return reply, fmt.Errorf("%w: %s", ErrSessionFailed, reply.Error)
	}
	return reply, nil
}
