package normalize

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"testing/iotest"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/n0madic/go-chatrelay/internal/dialect"
	"github.com/n0madic/go-chatrelay/internal/stream"
	"github.com/n0madic/go-chatrelay/internal/types"
)

const sseFixture = "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
	"data: [DONE]\n\n"

const ollamaFixture = "{\"message\":{\"content\":\"Hi\"},\"done\":false}\n" +
	"{\"message\":{\"content\":\"\"},\"done\":true}\n"

const transcriptSSE = ": keepalive\n\n" +
	"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
	"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"The quick \"}}]}\n\n" +
	"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"brown fox — \"}}]}\n\n" +
	"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"jumps ✓\"}}]}\n\n" +
	"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
	"data: [DONE]\n\n"

const transcript = "The quick brown fox — jumps ✓"

// chunkReader hands out its data in reads of at most size bytes.
type chunkReader struct {
	data []byte
	size int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.size
	if n <= 0 || n > len(r.data) {
		n = len(r.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func collect(t *testing.T, body io.Reader, dec dialect.Decoder) ([]types.DeltaEvent, error) {
	t.Helper()
	var events []types.DeltaEvent
	err := ConsumeBody(context.Background(), body, dec, func(ev types.DeltaEvent) {
		events = append(events, ev)
	})
	return events, err
}

func mustDecoder(t *testing.T, d dialect.Dialect) dialect.Decoder {
	t.Helper()
	dec, err := dialect.New(d)
	if err != nil {
		t.Fatalf("dialect.New(%s): %v", d, err)
	}
	return dec
}

func concat(events []types.DeltaEvent) string {
	var sb strings.Builder
	for _, ev := range events {
		sb.WriteString(ev.Text)
	}
	return sb.String()
}

func assertTerminatedOnce(t *testing.T, events []types.DeltaEvent) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events delivered")
	}
	for i, ev := range events {
		last := i == len(events)-1
		if ev.Done != last {
			t.Fatalf("event %d done=%v, want done only on the last event: %+v", i, ev.Done, events)
		}
	}
}

func TestConsumeOpenAISSEScenario(t *testing.T) {
	events, err := collect(t, strings.NewReader(sseFixture), mustDecoder(t, dialect.OpenAISSE))
	if err != nil {
		t.Fatalf("ConsumeBody: %v", err)
	}
	want := []types.DeltaEvent{{Text: "Hel"}, {Text: "lo"}, {Done: true}}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %+v, want %+v", events, want)
	}
}

func TestConsumeOllamaScenario(t *testing.T) {
	events, err := collect(t, strings.NewReader(ollamaFixture), mustDecoder(t, dialect.OllamaNDJSON))
	if err != nil {
		t.Fatalf("ConsumeBody: %v", err)
	}
	want := []types.DeltaEvent{{Text: "Hi"}, {Done: true}}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %+v, want %+v", events, want)
	}
}

func TestConsumeChunkBoundaryIndependence(t *testing.T) {
	fixtures := []struct {
		name string
		body string
		dec  dialect.Decoder
	}{
		{"openai lines", transcriptSSE, dialect.NewOpenAISSE(stream.PolicyLines)},
		{"openai events", transcriptSSE, dialect.NewOpenAISSE(stream.PolicyEvents)},
		{"ollama", ollamaFixture, mustDecoder(t, dialect.OllamaNDJSON)},
		{"edge", "{\"done\":false,\"response\":\"a—b\"}\n{\"done\":false,\"response\":\"c\"}\n{\"done\":true}\n", mustDecoder(t, dialect.EdgeNDJSON)},
	}
	for _, fx := range fixtures {
		t.Run(fx.name, func(t *testing.T) {
			reference, err := collect(t, strings.NewReader(fx.body), fx.dec)
			if err != nil {
				t.Fatalf("whole body: %v", err)
			}
			for _, size := range []int{1, 3, 17} {
				got, err := collect(t, &chunkReader{data: []byte(fx.body), size: size}, fx.dec)
				if err != nil {
					t.Fatalf("chunk size %d: %v", size, err)
				}
				if !reflect.DeepEqual(got, reference) {
					t.Fatalf("chunk size %d:\n got %+v\nwant %+v", size, got, reference)
				}
			}
		})
	}
}

func TestConsumeConcatenationFidelity(t *testing.T) {
	tests := []struct {
		name    string
		dialect dialect.Dialect
		body    string
	}{
		{"openai-sse", dialect.OpenAISSE, transcriptSSE},
		{"ollama-ndjson", dialect.OllamaNDJSON,
			"{\"model\":\"llama3\",\"created_at\":\"2024-01-01T00:00:00Z\",\"message\":{\"role\":\"assistant\",\"content\":\"The quick \"},\"done\":false}\n" +
				"{\"model\":\"llama3\",\"created_at\":\"2024-01-01T00:00:01Z\",\"message\":{\"role\":\"assistant\",\"content\":\"brown fox — \"},\"done\":false}\n" +
				"{\"model\":\"llama3\",\"created_at\":\"2024-01-01T00:00:02Z\",\"message\":{\"role\":\"assistant\",\"content\":\"jumps ✓\"},\"done\":true}\n"},
		{"single-json", dialect.SingleJSON, "{\"response\":\"The quick brown fox — jumps ✓\",\"done\":true,\"context\":{\"session_id\":\"s1\"}}"},
		{"edge-ndjson", dialect.EdgeNDJSON,
			"{\"done\":false,\"response\":\"The quick \"}\n" +
				"{\"done\":false,\"response\":\"brown fox — \"}\n" +
				"{\"done\":false,\"response\":\"jumps ✓\"}\n" +
				"{\"done\":true}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := collect(t, strings.NewReader(tt.body), mustDecoder(t, tt.dialect))
			if err != nil {
				t.Fatalf("ConsumeBody: %v", err)
			}
			assertTerminatedOnce(t, events)
			if got := concat(events); got != transcript {
				t.Fatalf("transcript = %q, want %q", got, transcript)
			}
		})
	}
}

func TestConsumeSynthesizesDone(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n"
	events, err := collect(t, strings.NewReader(body), mustDecoder(t, dialect.OpenAISSE))
	if err != nil {
		t.Fatalf("ConsumeBody: %v", err)
	}
	want := []types.DeltaEvent{{Text: "partial"}, {Done: true}}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %+v, want %+v", events, want)
	}
}

func TestConsumeDecodesResidual(t *testing.T) {
	// The final line has no trailing newline.
	body := "{\"message\":{\"content\":\"a\"},\"done\":false}\n{\"message\":{\"content\":\"b\"},\"done\":true}"
	events, err := collect(t, strings.NewReader(body), mustDecoder(t, dialect.OllamaNDJSON))
	if err != nil {
		t.Fatalf("ConsumeBody: %v", err)
	}
	want := []types.DeltaEvent{{Text: "a"}, {Text: "b", Done: true}}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %+v, want %+v", events, want)
	}
}

func TestConsumeKeepaliveTolerance(t *testing.T) {
	body := ": ping\n\n" +
		"\n" +
		"data: {broken\n\n" +
		"event: ping\n\n" +
		"data: {}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n" +
		": ping\n\n"
	events, err := collect(t, strings.NewReader(body), mustDecoder(t, dialect.OpenAISSE))
	if err != nil {
		t.Fatalf("ConsumeBody: %v", err)
	}
	want := []types.DeltaEvent{{Text: "ok"}, {Done: true}}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %+v, want %+v", events, want)
	}
}

func TestConsumeStopsAtFirstDone(t *testing.T) {
	body := "{\"done\":false,\"response\":\"x\"}\n{\"done\":true}\n{\"done\":false,\"response\":\"late\"}\n{\"done\":true}\n"
	events, err := collect(t, strings.NewReader(body), mustDecoder(t, dialect.EdgeNDJSON))
	if err != nil {
		t.Fatalf("ConsumeBody: %v", err)
	}
	want := []types.DeltaEvent{{Text: "x"}, {Done: true}}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %+v, want %+v", events, want)
	}
}

func TestConsumeThreadsContext(t *testing.T) {
	t.Run("single json", func(t *testing.T) {
		body := `{"response":"Hi","done":true,"context":{"session_id":"abc"}}`
		events, err := collect(t, strings.NewReader(body), mustDecoder(t, dialect.SingleJSON))
		if err != nil {
			t.Fatalf("ConsumeBody: %v", err)
		}
		if len(events) != 1 || events[0].Text != "Hi" || !events[0].Done {
			t.Fatalf("events = %+v", events)
		}
		if got := string(events[0].Context); got != `{"session_id":"abc"}` {
			t.Fatalf("context = %s", got)
		}
	})
	t.Run("context before done", func(t *testing.T) {
		body := "{\"message\":{\"content\":\"a\"},\"done\":false}\n{\"context\":[1,2,3]}\n{\"done\":true}\n"
		events, err := collect(t, strings.NewReader(body), mustDecoder(t, dialect.OllamaNDJSON))
		if err != nil {
			t.Fatalf("ConsumeBody: %v", err)
		}
		last := events[len(events)-1]
		if !last.Done || string(last.Context) != "[1,2,3]" {
			t.Fatalf("terminal event = %+v", last)
		}
	})
}

func TestConsumeNon2xx(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusBadGateway,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(`{"error":{"message":"upstream down"}}`)),
	}
	var events []types.DeltaEvent
	err := Consume(context.Background(), resp, mustDecoder(t, dialect.OpenAISSE), func(ev types.DeltaEvent) {
		events = append(events, ev)
	})
	var terr *TransportError
	if !errors.As(err, &terr) || terr.StatusCode != http.StatusBadGateway {
		t.Fatalf("err = %v, want TransportError 502", err)
	}
	want := []types.DeltaEvent{{Text: "\n**Error:** HTTP 502 Bad Gateway: upstream down", Done: true}}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %+v, want %+v", events, want)
	}
}

func TestConsumeMissingBody(t *testing.T) {
	var events []types.DeltaEvent
	err := Consume(context.Background(), &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, mustDecoder(t, dialect.EdgeNDJSON), func(ev types.DeltaEvent) {
		events = append(events, ev)
	})
	if err == nil {
		t.Fatal("expected an error for a missing body")
	}
	if len(events) != 1 || !events[0].Done || events[0].Text != "\n**Error:** HTTP 200 OK" {
		t.Fatalf("events = %+v", events)
	}
}

func TestConsumeJSONReplyForStreamingDialect(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json; charset=utf-8"}},
		Body:       io.NopCloser(strings.NewReader(`{"choices":[{"index":0,"message":{"role":"assistant","content":"whole reply"},"finish_reason":"stop"}]}`)),
	}
	var events []types.DeltaEvent
	if err := Consume(context.Background(), resp, mustDecoder(t, dialect.OpenAISSE), func(ev types.DeltaEvent) {
		events = append(events, ev)
	}); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	want := []types.DeltaEvent{{Text: "whole reply", Done: true}}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %+v, want %+v", events, want)
	}
}

func TestConsumeMidStreamFailure(t *testing.T) {
	failure := errors.New("connection reset by peer")
	body := io.MultiReader(
		strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\ndata: {\"choices\":[{\"del"),
		iotest.ErrReader(failure),
	)
	events, err := collect(t, body, mustDecoder(t, dialect.OpenAISSE))
	var terr *TransportError
	if !errors.As(err, &terr) || !errors.Is(err, failure) {
		t.Fatalf("err = %v, want TransportError wrapping %v", err, failure)
	}
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Text != "Hel" || events[0].Done {
		t.Fatalf("first event = %+v", events[0])
	}
	last := events[1]
	if !last.Done || !errors.Is(last.Err, failure) || !strings.Contains(last.Text, failure.Error()) {
		t.Fatalf("terminal event = %+v", last)
	}
}

func TestConsumeCancellation(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		pw.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n"))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var events []types.DeltaEvent
	err := ConsumeBody(ctx, pr, mustDecoder(t, dialect.OpenAISSE), func(ev types.DeltaEvent) {
		events = append(events, ev)
		cancel()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	want := []types.DeltaEvent{{Text: "Hel"}}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %+v, want %+v", events, want)
	}
}

func TestConsumeAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := ConsumeBody(ctx, strings.NewReader(sseFixture), mustDecoder(t, dialect.OpenAISSE), func(types.DeltaEvent) {
		called = true
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("err = %v called = %v", err, called)
	}
}

func TestEmitSuppressesSecondTerminal(t *testing.T) {
	var events []types.DeltaEvent
	n := newNormalizer(mustDecoder(t, dialect.EdgeNDJSON), func(ev types.DeltaEvent) {
		events = append(events, ev)
	})
	n.emit(types.DeltaEvent{Done: true})
	n.emit(types.DeltaEvent{Done: true})
	n.finish()
	if len(events) != 1 {
		t.Fatalf("events = %+v, want a single terminal event", events)
	}
}

func TestConsumeMatchesOpenAIGoSDK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, transcriptSSE)
	}))
	defer srv.Close()

	client := openai.NewClient(
		option.WithBaseURL(srv.URL+"/v1"),
		option.WithAPIKey("test-key"),
	)
	sdkStream := client.Chat.Completions.NewStreaming(context.Background(), openai.ChatCompletionNewParams{
		Model: shared.ChatModel("gpt-4o-mini"),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("tell me about the fox"),
		},
	})
	var sdkText strings.Builder
	for sdkStream.Next() {
		chunk := sdkStream.Current()
		if len(chunk.Choices) > 0 {
			sdkText.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	if err := sdkStream.Err(); err != nil {
		t.Fatalf("sdk stream: %v", err)
	}

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var events []types.DeltaEvent
	if err := Consume(context.Background(), resp, mustDecoder(t, dialect.OpenAISSE), func(ev types.DeltaEvent) {
		events = append(events, ev)
	}); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if got := concat(events); got != sdkText.String() || got != transcript {
		t.Fatalf("normalizer %q, sdk %q, want %q", got, sdkText.String(), transcript)
	}
}
