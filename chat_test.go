package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/n0madic/go-chatrelay/internal/chatstore"
	"github.com/n0madic/go-chatrelay/internal/client"
	"github.com/n0madic/go-chatrelay/internal/config"
	"github.com/n0madic/go-chatrelay/internal/types"
)

func newTestREPL(t *testing.T, handler http.HandlerFunc) (*repl, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st, err := chatstore.Open(filepath.Join(t.TempDir(), "chats.db"))
	if err != nil {
		t.Fatalf("chatstore.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sess := config.NewSession()
	sess.SetHost(srv.URL)
	sess.SetProfile("session")
	sess.SetModel("gpt-4")
	sess.SetServiceKey("")
	sess.SetSystemPrompt("")

	var out bytes.Buffer
	return newREPL(sess, client.New(sess), st, &out), &out
}

func sessionBackend(t *testing.T, seen *[]types.SingleRequest) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body types.SingleRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		*seen = append(*seen, body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"response":"echo: `+body.Prompt+`","done":true,"context":{"session_id":"s-42"}}`)
	}
}

func TestREPLTurnsThreadContextAndSave(t *testing.T) {
	var seen []types.SingleRequest
	r, out := newTestREPL(t, sessionBackend(t, &seen))

	input := "hello\n/system be terse\nagain\n/save first chat\n/quit\n"
	if err := r.run(strings.NewReader(input)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "echo: hello") || !strings.Contains(out.String(), `Saved "first chat".`) {
		t.Fatalf("output:\n%s", out.String())
	}
	if len(seen) != 2 {
		t.Fatalf("requests = %d", len(seen))
	}
	if types.HasOpaque(seen[0].Context) || string(seen[1].Context) != `{"session_id":"s-42"}` {
		t.Fatalf("contexts = %s, %s", seen[0].Context, seen[1].Context)
	}
	if seen[0].System != "" || seen[1].System != "be terse" {
		t.Fatalf("systems = %q, %q", seen[0].System, seen[1].System)
	}

	chat, err := r.store.Load("first chat")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []types.ChatMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "echo: hello"},
		{Role: "user", Content: "again"},
		{Role: "assistant", Content: "echo: again"},
	}
	if !reflect.DeepEqual(chat.Transcript, want) {
		t.Fatalf("transcript = %+v", chat.Transcript)
	}
	if chat.Model != "gpt-4" || chat.System != "be terse" || string(chat.Context) != `{"session_id":"s-42"}` {
		t.Fatalf("chat = %+v", chat)
	}
}

func TestREPLLoadRestoresChat(t *testing.T) {
	var seen []types.SingleRequest
	r, out := newTestREPL(t, sessionBackend(t, &seen))

	if err := r.store.Save(chatstore.Chat{
		Name:       "saved",
		Model:      "claude-2",
		System:     "pirate",
		Transcript: []types.ChatMessage{{Role: "user", Content: "ahoy"}},
		Context:    json.RawMessage(`{"session_id":"old"}`),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := r.run(strings.NewReader("/load saved\nnext\n")); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "[user] ahoy") {
		t.Fatalf("output:\n%s", out.String())
	}
	if len(seen) != 1 {
		t.Fatalf("requests = %d", len(seen))
	}
	got := seen[0]
	if got.Model != "claude-2" || got.System != "pirate" || string(got.Context) != `{"session_id":"old"}` {
		t.Fatalf("request = %+v", got)
	}
}

func TestREPLFailedTurnIsNotRecorded(t *testing.T) {
	r, out := newTestREPL(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":"backend exploded"}`)
	})

	if err := r.run(strings.NewReader("hi\n")); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "**Error:** HTTP 500 Internal Server Error: backend exploded") {
		t.Fatalf("output:\n%s", out.String())
	}
	if len(r.transcript) != 0 || r.opaque != nil {
		t.Fatalf("transcript = %+v context = %s", r.transcript, r.opaque)
	}
}

func TestREPLCommandErrors(t *testing.T) {
	r, out := newTestREPL(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	input := "/bogus\n/profile gopher\n/load missing\n/save\n"
	if err := r.run(strings.NewReader(input)); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{
		"unknown command /bogus",
		"unknown backend profile",
		"chat not found",
		"usage: /save <name>",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output lacks %q:\n%s", want, out.String())
		}
	}
}

func TestInterrupterCancelsOnlyActiveTurn(t *testing.T) {
	var i interrupter
	if i.interrupt() {
		t.Fatal("interrupt with no turn reported true")
	}
	ctx, done := i.turn()
	if !i.interrupt() {
		t.Fatal("interrupt during a turn reported false")
	}
	if ctx.Err() == nil {
		t.Fatal("turn context not cancelled")
	}
	done()
	if i.interrupt() {
		t.Fatal("interrupt after the turn reported true")
	}
}

func TestPrintModelsGroupsByTask(t *testing.T) {
	var out bytes.Buffer
	printModels(&out, []types.ModelEntry{
		{Name: "plain"},
		{Name: "@cf/a", Description: "fast", Task: &types.ModelTask{Name: "Text Generation"}},
	})
	want := "Text Generation\n  • @cf/a  fast\n\nOther\n  • plain\n"
	if out.String() != want {
		t.Fatalf("got:\n%s\nwant:\n%s", out.String(), want)
	}
}
