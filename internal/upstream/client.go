// Package upstream holds the HTTP clients the edge server calls: the
// Workers AI run endpoint and the chat-session backend.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/n0madic/go-chatrelay/internal/codec"
	"github.com/n0madic/go-chatrelay/internal/config"
	"github.com/n0madic/go-chatrelay/internal/types"
)

// upstreamHTTPTimeout is the maximum time allowed for one upstream call.
// Streams can be long-lived, so the timeout is generous.
const upstreamHTTPTimeout = 5 * time.Minute

// ErrNoCredentials is returned when the Workers AI account or token is unset.
var ErrNoCredentials = errors.New("workers ai credentials are not configured")

// NewBearerClient returns an HTTP client that sends token as a bearer
// Authorization header on every request. An empty token yields a plain
// client.
func NewBearerClient(token string, timeout time.Duration) *http.Client {
	token = strings.TrimSpace(token)
	if token == "" {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   http.DefaultTransport,
		},
	}
}

// RunRequest is the body of a Workers AI text-generation run.
type RunRequest struct {
	Messages []types.ChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

// Response wraps the upstream HTTP response.
type Response struct {
	StatusCode int
	Body       *http.Response
	Headers    http.Header
}

// Client calls the Workers AI run endpoint.
type Client struct {
	HTTP      *http.Client
	BaseURL   string
	AccountID string
	Verbose   bool
	Debug     bool

	dumpMu sync.Mutex
}

// NewClient creates a Workers AI client from the server configuration.
func NewClient(cfg *config.ServerConfig) *Client {
	return &Client{
		HTTP:      NewBearerClient(cfg.WorkersAPIToken, upstreamHTTPTimeout),
		BaseURL:   strings.TrimRight(cfg.WorkersBaseURL, "/"),
		AccountID: cfg.WorkersAccountID,
		Verbose:   cfg.Verbose,
		Debug:     cfg.Debug,
	}
}

// RunURL returns the run endpoint for model.
func (c *Client) RunURL(model string) string {
	return fmt.Sprintf("%s/accounts/%s/ai/run/%s", c.BaseURL, c.AccountID, strings.TrimLeft(model, "/"))
}

// Run starts a text-generation run. With stream set the response body is
// the upstream SSE stream. Non-2xx replies are returned as *UpstreamError
// with the body already drained.
func (c *Client) Run(ctx context.Context, model string, req RunRequest) (*Response, error) {
	if c.AccountID == "" {
		return nil, ErrNoCredentials
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	if c.Verbose {
		slog.Info("upstream.request",
			"model", model,
			"messages", len(req.Messages),
			"stream", req.Stream,
		)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RunURL(model), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", codec.ContentTypeJSON)
	if req.Stream {
		httpReq.Header.Set("Accept", codec.ContentTypeEventStream)
	}
	config.ApplyDefaultHeaders(httpReq.Header)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream workers ai request failed: %w", err)
	}
	c.logResponse(resp)
	if uerr := checkResponse(resp); uerr != nil {
		return nil, uerr
	}
	c.dumpUpstreamResponse(resp)

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       resp,
		Headers:    resp.Header,
	}, nil
}

func (c *Client) logResponse(resp *http.Response) {
	if !c.Verbose {
		return
	}
	attrs := []any{"status", resp.StatusCode}
	if requestID := upstreamRequestID(resp.Header); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	slog.Info("upstream.response", attrs...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

func upstreamRequestID(headers http.Header) string {
	if headers == nil {
		return ""
	}
	return firstNonEmpty(
		headers.Get("x-request-id"),
		headers.Get("cf-ray"),
		headers.Get("request-id"),
	)
}
