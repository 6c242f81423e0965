package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/n0madic/go-chatrelay/internal/codec"
	"github.com/n0madic/go-chatrelay/internal/models"
	"github.com/n0madic/go-chatrelay/internal/reframe"
	"github.com/n0madic/go-chatrelay/internal/transform"
	"github.com/n0madic/go-chatrelay/internal/types"
	"github.com/n0madic/go-chatrelay/internal/upstream"
)

// handleGenerate handles POST /api/generate. The body carries either a
// ready message list or {prompt, system, context}; the Workers AI stream is
// re-framed into edge NDJSON.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		codec.WritePlain(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	parsed := gjson.ParseBytes(body)
	req := types.CanonicalRequest{
		Model:  strings.TrimSpace(parsed.Get("model").String()),
		Prompt: parsed.Get("prompt").String(),
		System: parsed.Get("system").String(),
	}
	if ctx := parsed.Get("context"); ctx.Exists() {
		req.Context = json.RawMessage(ctx.Raw)
	}
	if stream := parsed.Get("stream"); stream.Exists() {
		req.Stream = types.BoolPtr(stream.Bool())
	}
	if req.Model == "" {
		req.Model = s.Config.DefaultModel
	}

	messages := transform.ParseMessages(parsed.Get("messages"))
	if len(messages) == 0 {
		if err := transform.Validate(req); err != nil {
			codec.WriteError(w, http.StatusBadRequest, "prompt or messages required")
			return
		}
		messages = transform.BuildMessages(req, s.Config.SystemPrompt)
	}
	stream := req.StreamEnabled()
	model := req.Model

	resp, err := s.Workers.Run(r.Context(), model, upstream.RunRequest{Messages: messages, Stream: stream})
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	defer resp.Body.Body.Close()

	if !stream {
		s.writeSingleReply(w, resp)
		return
	}

	sw, ok := codec.NewStreamWriter(w, codec.ContentTypeNDJSON, http.StatusOK)
	if !ok {
		codec.WriteError(w, http.StatusInternalServerError, "streaming is not supported")
		return
	}
	if err := reframe.Pipe(r.Context(), sw, resp.Body.Body, sw.Flush); err != nil {
		if r.Context().Err() != nil {
			slog.Debug("generate.client_gone", "request_id", RequestID(r.Context()))
			return
		}
		slog.Warn("generate.stream_failed", "request_id", RequestID(r.Context()), "error", err)
		line, _ := json.Marshal(types.EdgeChunk{Done: true, Response: codec.DescribeTransportError(err)})
		sw.Write(append(line, '\n')) //nolint:errcheck
	}
}

// writeSingleReply converts a non-streamed run result into one
// single-JSON body.
func (s *Server) writeSingleReply(w http.ResponseWriter, resp *upstream.Response) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body.Body, maxBodyBytes))
	if err != nil {
		codec.WriteError(w, http.StatusBadGateway, codec.DescribeTransportError(err))
		return
	}
	text := gjson.GetBytes(raw, "result.response")
	if !text.Exists() {
		text = gjson.GetBytes(raw, "response")
	}
	codec.WriteJSON(w, http.StatusOK, types.SingleResponse{Response: text.String(), Done: true})
}

// handleSession handles POST /api/session: one prompt is forwarded to the
// chat-session backend and the reply returned as a single JSON body whose
// context carries the session id for the next turn.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		codec.WritePlain(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	parsed := gjson.ParseBytes(body)
	prompt := parsed.Get("prompt").String()
	if strings.TrimSpace(prompt) == "" {
		codec.WriteError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	reply, err := s.Sessions.CreateChatSession(r.Context(), upstream.SessionRequest{
		Message:       prompt,
		LLMModel:      parsed.Get("model").String(),
		ChatSessionID: parsed.Get("context.session_id").String(),
	})
	if err != nil {
		slog.Error("session.failed", "request_id", RequestID(r.Context()), "error", err)
		msg := "Failed to call session backend"
		if reply != nil && reply.Error != "" {
			msg = reply.Error
		}
		codec.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": msg})
		return
	}

	sessionID := reply.ChatSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx, _ := json.Marshal(types.SessionContext{SessionID: sessionID})
	codec.WriteJSON(w, http.StatusOK, types.SingleResponse{
		Response: reply.Response,
		Done:     true,
		Context:  ctx,
	})
}

// handleTags handles GET /api/tags: model names only.
func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	list := s.Registry.List(r.Context())
	list.Models = models.Names(list.Models)
	codec.WriteJSON(w, http.StatusOK, list)
}

// handleModels handles GET /api/models: full catalog entries.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	codec.WriteJSON(w, http.StatusOK, s.Registry.List(r.Context()))
}

func writeUpstreamError(w http.ResponseWriter, err error) {
	var uerr *upstream.UpstreamError
	switch {
	case errors.As(err, &uerr):
		status := uerr.StatusCode
		if status < 400 {
			status = http.StatusBadGateway
		}
		codec.WriteError(w, status, uerr.Error())
	case errors.Is(err, upstream.ErrNoCredentials):
		codec.WriteError(w, http.StatusServiceUnavailable, err.Error())
	default:
		codec.WriteError(w, http.StatusBadGateway, err.Error())
	}
}
