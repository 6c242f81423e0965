package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/n0madic/go-chatrelay/internal/config"
	"github.com/n0madic/go-chatrelay/internal/dialect"
	"github.com/n0madic/go-chatrelay/internal/normalize"
	"github.com/n0madic/go-chatrelay/internal/server"
	"github.com/n0madic/go-chatrelay/internal/transform"
	"github.com/n0madic/go-chatrelay/internal/types"
)

func newSession(host, profile string) *config.Session {
	sess := config.NewSession()
	sess.SetHost(host)
	sess.SetProfile(profile)
	sess.SetModel("test-model")
	sess.SetServiceKey("")
	sess.SetSystemPrompt("")
	return sess
}

func collect(events *[]types.DeltaEvent) normalize.Handler {
	return func(ev types.DeltaEvent) {
		*events = append(*events, ev)
	}
}

func TestSendOllamaProfile(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody types.OllamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody) //nolint:errcheck
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		for _, chunk := range []types.OllamaStreamChunk{
			{Model: "m", Message: types.OllamaMessage{Role: "assistant", Content: "Hi"}},
			{Model: "m", Message: types.OllamaMessage{Role: "assistant", Content: " there"}},
			{Model: "m", Message: types.OllamaMessage{Role: "assistant"}, Done: true, Context: json.RawMessage(`[1,2,3]`)},
		} {
			enc.Encode(chunk) //nolint:errcheck
		}
	}))
	defer srv.Close()

	sess := newSession(srv.URL, "ollama")
	sess.SetServiceKey("svc-key")
	sess.SetSystemPrompt("be nice")

	var events []types.DeltaEvent
	reply, err := New(sess).Send(context.Background(), types.CanonicalRequest{Prompt: "hello"}, collect(&events))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/api/chat" || gotAuth != "Bearer svc-key" {
		t.Fatalf("path = %q auth = %q", gotPath, gotAuth)
	}
	wantMessages := []types.ChatMessage{{Role: "system", Content: "be nice"}, {Role: "user", Content: "hello"}}
	if gotBody.Model != "test-model" || !gotBody.Stream || !reflect.DeepEqual(gotBody.Messages, wantMessages) {
		t.Fatalf("body = %+v", gotBody)
	}
	want := []types.DeltaEvent{
		{Text: "Hi"},
		{Text: " there"},
		{Done: true, Context: json.RawMessage(`[1,2,3]`)},
	}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %+v", events)
	}
	if reply.Text != "Hi there" || string(reply.Context) != "[1,2,3]" || reply.Err != nil {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestSendSessionProfileThreadsContext(t *testing.T) {
	var bodies []types.SingleRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body types.SingleRequest
		json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck
		bodies = append(bodies, body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"response":"ok","done":true,"context":{"session_id":"s-1"}}`)
	}))
	defer srv.Close()

	c := New(newSession(srv.URL, "session"))
	first, err := c.Send(context.Background(), types.CanonicalRequest{Prompt: "one"}, nil)
	if err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if _, err := c.Send(context.Background(), types.CanonicalRequest{Prompt: "two", Context: first.Context}, nil); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("requests = %d", len(bodies))
	}
	if bodies[0].Stream || types.HasOpaque(bodies[0].Context) {
		t.Fatalf("first body = %+v", bodies[0])
	}
	if string(bodies[1].Context) != `{"session_id":"s-1"}` {
		t.Fatalf("second context = %s", bodies[1].Context)
	}
}

func TestSendThroughEdgeServer(t *testing.T) {
	workers := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"response\":\"The quick \"}\n\n")
		io.WriteString(w, "data: {\"response\":\"brown fox — jumps ✓\"}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer workers.Close()

	s, err := server.New(&config.ServerConfig{
		WorkersAccountID: "acct",
		WorkersBaseURL:   workers.URL,
		ModelsCatalogURL: workers.URL + "/models.json",
		DefaultModel:     config.DefaultModel,
		AccessToken:      "edge-key",
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	edge := httptest.NewServer(s.Handler())
	defer edge.Close()
	defer s.Shutdown(context.Background()) //nolint:errcheck

	sess := newSession(edge.URL, "edge")
	sess.SetServiceKey("edge-key")
	reply, err := New(sess).Send(context.Background(), types.CanonicalRequest{Prompt: "go"}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Text != "The quick brown fox — jumps ✓" {
		t.Fatalf("text = %q", reply.Text)
	}
}

func TestSendRejectsInvalidRequestBeforeNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	var events []types.DeltaEvent
	_, err := New(newSession(srv.URL, "edge")).Send(context.Background(), types.CanonicalRequest{Prompt: "  "}, collect(&events))
	if !errors.Is(err, transform.ErrProtocolViolation) {
		t.Fatalf("err = %v", err)
	}
	if hits.Load() != 0 || len(events) != 0 {
		t.Fatalf("hits = %d events = %d", hits.Load(), len(events))
	}
}

func TestSendUnknownProfile(t *testing.T) {
	_, err := New(newSession("http://127.0.0.1:1", "gopher")).Send(context.Background(), types.CanonicalRequest{Prompt: "x"}, nil)
	if !errors.Is(err, dialect.ErrUnknownProfile) {
		t.Fatalf("err = %v", err)
	}
}

func TestSendHTTPErrorIsTerminalEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, `{"error":"upstream down"}`)
	}))
	defer srv.Close()

	var events []types.DeltaEvent
	_, err := New(newSession(srv.URL, "edge")).Send(context.Background(), types.CanonicalRequest{Prompt: "x"}, collect(&events))
	var terr *normalize.TransportError
	if !errors.As(err, &terr) || terr.StatusCode != http.StatusBadGateway {
		t.Fatalf("err = %v", err)
	}
	if len(events) != 1 || !events[0].Done || events[0].Text != "\n**Error:** HTTP 502 Bad Gateway: upstream down" {
		t.Fatalf("events = %+v", events)
	}
}

func TestSendConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host := srv.URL
	srv.Close()

	var events []types.DeltaEvent
	reply, err := New(newSession(host, "edge")).Send(context.Background(), types.CanonicalRequest{Prompt: "x"}, collect(&events))
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(events) != 1 || !events[0].Done || events[0].Err == nil {
		t.Fatalf("events = %+v", events)
	}
	if !strings.HasPrefix(reply.Text, "\n**Error:** ") || reply.Err == nil {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestSendCancelledMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, `{"done":false,"response":"partial"}`+"\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var events []types.DeltaEvent
	done := make(chan error, 1)
	go func() {
		_, err := New(newSession(srv.URL, "edge")).Send(ctx, types.CanonicalRequest{Prompt: "x"}, func(ev types.DeltaEvent) {
			events = append(events, ev)
			cancel()
		})
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return after cancel")
	}
	if len(events) != 1 || events[0].Done {
		t.Fatalf("events = %+v", events)
	}
}

func TestModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/models" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, `{"models":[{"name":"@cf/a","task":{"name":"Text Generation"}},{"name":"@cf/b"}]}`)
	}))
	defer srv.Close()

	list, err := New(newSession(srv.URL, "edge")).Models(context.Background())
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	if len(list.Models) != 2 || list.Models[0].Name != "@cf/a" || list.Error != "" {
		t.Fatalf("list = %+v", list)
	}
}

func TestModelsFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	list, err := New(newSession(srv.URL, "edge")).Models(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(list.Models) == 0 || !strings.Contains(list.Error, "Using fallback") {
		t.Fatalf("list = %+v", list)
	}
}
