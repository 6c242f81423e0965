// Package normalize drives frame splitting and dialect decoding over the
// lifetime of one HTTP response and delivers an ordered sequence of text
// deltas terminated by exactly one done event.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/n0madic/go-chatrelay/internal/codec"
	"github.com/n0madic/go-chatrelay/internal/dialect"
	"github.com/n0madic/go-chatrelay/internal/stream"
	"github.com/n0madic/go-chatrelay/internal/types"
)

// maxBodyBytes bounds one-shot bodies and error bodies read into memory.
const maxBodyBytes = 10 * 1024 * 1024 // 10 MB

// maxErrorBodyBytes bounds the error body read from a non-2xx response.
const maxErrorBodyBytes = 64 * 1024

// ErrTerminalTwice reports an attempt to deliver a second terminal event.
var ErrTerminalTwice = errors.New("terminal event delivered twice")

// Handler receives normalized events in order.
type Handler func(types.DeltaEvent)

// TransportError is returned when the response failed at the HTTP level or
// the body broke off mid-stream. The terminal event describing it has
// already been delivered when Consume returns it.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport error: %v", e.Err)
	}
	return fmt.Sprintf("transport error: HTTP %d", e.StatusCode)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Consume reads resp to completion and delivers its events to onEvent.
//
// It returns nil after a normal completion, a *TransportError after a failed
// response (the describing terminal event was delivered), or the context's
// cause when ctx was cancelled, in which case no terminal event is emitted.
// The response body is always closed.
func Consume(ctx context.Context, resp *http.Response, dec dialect.Decoder, onEvent Handler) error {
	n := newNormalizer(dec, onEvent)
	if resp == nil || resp.Body == nil || resp.Body == http.NoBody {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		n.emit(types.DeltaEvent{Text: codec.DescribeError(status, nil), Done: true})
		return &TransportError{StatusCode: status, Err: errors.New("missing response body")}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		n.emit(types.DeltaEvent{Text: codec.DescribeError(resp.StatusCode, body), Done: true})
		return &TransportError{StatusCode: resp.StatusCode}
	}

	oneShot := dec.Dialect() == dialect.SingleJSON || isJSONResponse(resp.Header)
	return n.run(ctx, resp.Body, oneShot)
}

// ConsumeBody is Consume for a bare body with no status line to check. The
// body is closed if it implements io.Closer.
func ConsumeBody(ctx context.Context, body io.Reader, dec dialect.Decoder, onEvent Handler) error {
	n := newNormalizer(dec, onEvent)
	if c, ok := body.(io.Closer); ok {
		defer c.Close()
	}
	return n.run(ctx, body, dec.Dialect() == dialect.SingleJSON)
}

type normalizer struct {
	dec     dialect.Decoder
	onEvent Handler

	finished bool
	context  []byte
	frames   int
	deltas   int
	ignored  int
}

func newNormalizer(dec dialect.Decoder, onEvent Handler) *normalizer {
	return &normalizer{dec: dec, onEvent: onEvent}
}

func (n *normalizer) run(ctx context.Context, body io.Reader, oneShot bool) error {
	if c, ok := body.(io.Closer); ok {
		// Unblocks a pending read when the caller cancels.
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}

	if bd, ok := n.dec.(dialect.BodyDecoder); ok && oneShot {
		data, err := io.ReadAll(io.LimitReader(stream.NewTextReader(body), maxBodyBytes))
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if err != nil {
			n.fail(err)
			return &TransportError{Err: err}
		}
		n.frames++
		n.deliver(bd.DecodeBody(data))
		n.finish()
		return nil
	}

	r := stream.NewReader(body, n.dec.Policy())
	for {
		frame, err := r.Next()
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			n.fail(err)
			return &TransportError{Err: err}
		}
		n.frames++
		if n.deliver(n.dec.Decode(frame)) {
			break
		}
	}
	n.finish()
	return nil
}

// deliver translates one decode result into at most one event and reports
// whether the stream reached its terminal state.
func (n *normalizer) deliver(res dialect.Result) bool {
	if res.Kind() == dialect.KindError {
		n.ignored++
		slog.Debug("normalize.decode_error", "dialect", n.dec.Dialect().String(), "error", res.Err)
		return false
	}
	if types.HasOpaque(res.Context) {
		n.context = res.Context
	}
	if res.Text == "" && !res.Done {
		n.ignored++
		return false
	}
	ev := types.DeltaEvent{Text: res.Text, Done: res.Done, Context: res.Context}
	if res.Done {
		ev.Context = n.context
	}
	if res.Text != "" {
		n.deltas++
	}
	n.emit(ev)
	return res.Done
}

// finish delivers the terminal event when upstream never signalled one.
func (n *normalizer) finish() {
	if n.finished {
		return
	}
	slog.Debug("normalize.synthesized_done", "dialect", n.dec.Dialect().String(), "frames", n.frames, "deltas", n.deltas, "ignored", n.ignored)
	n.emit(types.DeltaEvent{Done: true, Context: n.context})
}

// fail ends the stream after a transport failure. Deltas delivered so far
// stay delivered.
func (n *normalizer) fail(err error) {
	slog.Warn("normalize.transport_error", "dialect", n.dec.Dialect().String(), "frames", n.frames, "error", err)
	n.emit(types.DeltaEvent{Text: codec.DescribeTransportError(err), Done: true, Err: err, Context: n.context})
}

func (n *normalizer) emit(ev types.DeltaEvent) {
	if n.finished {
		slog.Warn("normalize.protocol_violation", "error", ErrTerminalTwice, "done", ev.Done)
		return
	}
	if ev.Done {
		n.finished = true
	}
	n.onEvent(ev)
}

func isJSONResponse(h http.Header) bool {
	mediaType, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mediaType == codec.ContentTypeJSON
}
