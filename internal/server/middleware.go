package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/n0madic/go-chatrelay/internal/codec"
	"github.com/n0madic/go-chatrelay/internal/config"
)

var debugDumpMu sync.Mutex

const serverAccessTokenError = "Invalid or missing server access token"

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID returns the request id stored by the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqHeaders := r.Header.Get("Access-Control-Request-Headers")
		if reqHeaders == "" {
			reqHeaders = "Content-Type, Authorization"
		}
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
		w.Header().Set("Access-Control-Expose-Headers", RequestIDHeader)
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func authMiddleware(cfg *config.ServerConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expectedToken := ""
		if cfg != nil {
			expectedToken = strings.TrimSpace(cfg.AccessToken)
		}
		if expectedToken == "" || r.Method == http.MethodOptions || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := parseBearerAuthToken(header)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
			codec.WriteError(w, http.StatusUnauthorized, serverAccessTokenError)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func parseBearerAuthToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return parts[1], true
}

func verboseMiddleware(cfg *config.ServerConfig, next http.Handler) http.Handler {
	if cfg == nil || !cfg.Verbose {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Info("request", "method", r.Method, "path", r.URL.Path, "request_id", RequestID(r.Context()))
		next.ServeHTTP(w, r)
	})
}

func debugMiddleware(cfg *config.ServerConfig, next http.Handler) http.Handler {
	if cfg == nil || !cfg.Debug {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dump, err := httputil.DumpRequest(r, true)
		if err != nil {
			slog.Error("request.dump.failed", "method", r.Method, "path", r.URL.Path, "error", err)
		} else {
			slog.Info("request.dump", "method", r.Method, "path", r.URL.Path)
			writeDebugDumpBlock("INBOUND REQUEST", dump)
		}
		next.ServeHTTP(w, r)
	})
}

func writeDebugDumpBlock(title string, data []byte) {
	debugDumpMu.Lock()
	defer debugDumpMu.Unlock()

	header := "===== " + strings.TrimSpace(title) + " BEGIN =====\n"
	footer := "===== " + strings.TrimSpace(title) + " END =====\n"

	os.Stderr.WriteString(header)
	if len(data) > 0 {
		os.Stderr.Write(data)
		if data[len(data)-1] != '\n' {
			os.Stderr.WriteString("\n")
		}
	}
	os.Stderr.WriteString(footer)
}
