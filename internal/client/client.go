// Package client runs chat turns against a relay backend: it builds the
// request for the session's profile, sends it and normalizes the reply
// stream into delta events.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/n0madic/go-chatrelay/internal/codec"
	"github.com/n0madic/go-chatrelay/internal/config"
	"github.com/n0madic/go-chatrelay/internal/dialect"
	"github.com/n0madic/go-chatrelay/internal/models"
	"github.com/n0madic/go-chatrelay/internal/normalize"
	"github.com/n0madic/go-chatrelay/internal/transform"
	"github.com/n0madic/go-chatrelay/internal/types"
	"github.com/n0madic/go-chatrelay/internal/upstream"
)

const (
	modelsTimeout   = 15 * time.Second
	maxListingBytes = 4 * 1024 * 1024
)

// Reply is what a finished turn leaves behind: the concatenated text and
// the opaque context to attach to the next turn.
type Reply struct {
	Text    string
	Context json.RawMessage
	Err     error
}

// Client sends turns for one chat session.
type Client struct {
	Session *config.Session

	// HTTP, when set, is used instead of a bearer client built from the
	// session's service key.
	HTTP *http.Client
}

// New creates a client bound to sess.
func New(sess *config.Session) *Client {
	return &Client{Session: sess}
}

func (c *Client) httpClient(snap config.SessionSnapshot, timeout time.Duration) *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return upstream.NewBearerClient(snap.ServiceKey, timeout)
}

// Send runs one turn. Events are delivered to onEvent in order and end with
// exactly one Done event unless ctx is cancelled first; the returned Reply
// accumulates them. A request that cannot be built fails before any
// network call and delivers no event.
func (c *Client) Send(ctx context.Context, req types.CanonicalRequest, onEvent normalize.Handler) (Reply, error) {
	snap := c.Session.Snapshot()
	profile, err := dialect.LookupProfile(snap.Profile)
	if err != nil {
		return Reply{}, err
	}
	if strings.TrimSpace(req.Model) == "" {
		req.Model = snap.Model
	}

	httpReq, err := transform.Build(ctx, req, profile, snap)
	if err != nil {
		return Reply{}, err
	}
	slog.Debug("client.send", "profile", profile.Name, "url", httpReq.URL.String(), "model", req.Model)

	var reply Reply
	var text strings.Builder
	collect := func(ev types.DeltaEvent) {
		text.WriteString(ev.Text)
		if ev.Done {
			reply.Context = ev.Context
			reply.Err = ev.Err
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}

	resp, err := c.httpClient(snap, 0).Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return reply, context.Cause(ctx)
		}
		collect(types.DeltaEvent{Text: codec.DescribeTransportError(err), Done: true, Err: err})
		reply.Text = text.String()
		return reply, fmt.Errorf("sending turn: %w", err)
	}

	err = normalize.Consume(ctx, resp, profile.Decoder(), collect)
	reply.Text = text.String()
	return reply, err
}

// Models lists the backend's models. On failure the static fallback is
// returned with the reason in the Error note, together with the error.
func (c *Client) Models(ctx context.Context) (types.ModelList, error) {
	entries, err := c.fetchModels(ctx)
	if err != nil {
		slog.Warn("client.models_failed", "error", err)
		return types.ModelList{
			Models: models.StaticFallback(),
			Error:  "Failed to fetch dynamic model list. Using fallback. Reason: " + err.Error(),
		}, err
	}
	return types.ModelList{Models: entries}, nil
}

func (c *Client) fetchModels(ctx context.Context) ([]types.ModelEntry, error) {
	snap := c.Session.Snapshot()
	if strings.TrimSpace(snap.Host) == "" {
		return nil, errors.New("no host configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(snap.Host, "/")+"/api/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", codec.ContentTypeJSON)
	config.ApplyDefaultHeaders(req.Header)

	resp, err := c.httpClient(snap, modelsTimeout).Do(req)
	if err != nil {
		return nil, fmt.Errorf("models request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.New(codec.FormatUpstreamErrorWithHeaders(resp.StatusCode, body, resp.Header))
	}
	var list types.ModelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}
	if len(list.Models) == 0 {
		return nil, models.ErrEmptyCatalog
	}
	return list.Models, nil
}
