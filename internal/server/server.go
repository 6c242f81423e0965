// Package server implements the edge proxy: it relays Workers AI streams as
// NDJSON, serves the model listing and adapts the chat-session backend.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/n0madic/go-chatrelay/internal/codec"
	"github.com/n0madic/go-chatrelay/internal/config"
	"github.com/n0madic/go-chatrelay/internal/models"
	"github.com/n0madic/go-chatrelay/internal/upstream"
)

// maxBodyBytes limits the size of incoming request bodies.
const maxBodyBytes = 10 * 1024 * 1024 // 10 MB

// Server is the edge HTTP server.
type Server struct {
	Config   *config.ServerConfig
	Workers  *upstream.Client
	Sessions *upstream.SessionClient
	Registry *models.Registry

	httpServer *http.Server
	cancelBg   context.CancelFunc
}

// New creates a new server with all routes registered.
func New(cfg *config.ServerConfig) (*Server, error) {
	reg, err := models.NewRegistry(cfg.ModelsCatalogURL, cfg.ModelsCacheTTL, nil)
	if err != nil {
		return nil, err
	}
	s := &Server{
		Config:   cfg,
		Workers:  upstream.NewClient(cfg),
		Sessions: upstream.NewSessionClient(cfg),
		Registry: reg,
	}

	// Pre-fetch the model catalog in background
	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancelBg = cancel
	go func() {
		if _, err := reg.Models(bgCtx); err != nil && bgCtx.Err() == nil {
			slog.Debug("background model prefetch failed", "error", err)
		}
	}()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 600 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("POST /api/session", s.handleSession)
	mux.HandleFunc("GET /api/tags", s.handleTags)
	mux.HandleFunc("GET /api/models", s.handleModels)

	cfg := s.Config
	return requestIDMiddleware(corsMiddleware(authMiddleware(cfg, verboseMiddleware(cfg, debugMiddleware(cfg, mux)))))
}

// ListenAndServe starts the server.
func (s *Server) ListenAndServe() error {
	slog.Info("server.listen", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBg != nil {
		s.cancelBg()
	}
	err := s.httpServer.Shutdown(ctx)
	s.Registry.Close()
	return err
}

// --- Helpers ---

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		codec.WriteError(w, http.StatusBadRequest, fmt.Sprintf("Failed to read request body: %v", err))
		return nil, false
	}
	return body, true
}
