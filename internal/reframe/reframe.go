// Package reframe converts an upstream SSE stream into edge NDJSON lines of
// the form {"done":false,...upstream fields} followed by a single
// {"done":true} trailer.
package reframe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/n0madic/go-chatrelay/internal/stream"
)

// maxPendingBytes bounds the fragment held back while an object is still
// open. It matches the request body limit of the server.
const maxPendingBytes = 10 * 1024 * 1024

var dataMarker = []byte("data:")

// doneLine is the trailer written once the upstream stream has ended.
var doneLine = []byte("{\"done\":true}\n")

// Reframer is a single-producer streaming transform. Feed may be called with
// chunks cut anywhere; every complete object found so far is returned
// immediately while a partial one stays buffered. An open object is scanned
// incrementally and dropped once it outgrows the pending limit.
type Reframer struct {
	buf        []byte
	obj        objectScanner
	resuming   bool // buf starts with the fragment obj has partly scanned
	discarding bool // input is dropped until the next data marker
	maxPending int
	closed     bool

	emitted int
	skipped int
}

// New returns an empty Reframer.
func New() *Reframer {
	return &Reframer{maxPending: maxPendingBytes}
}

// Feed appends chunk and returns the NDJSON lines it completed.
func (r *Reframer) Feed(chunk string) [][]byte {
	if r.closed {
		return nil
	}
	r.buf = append(r.buf, chunk...)
	if r.discarding {
		i := bytes.Index(r.buf, dataMarker)
		if i < 0 {
			r.keep(markerTail(r.buf))
			return nil
		}
		r.discarding = false
		r.keep(r.buf[i:])
	}
	lines, rest := r.scan(r.buf, false)
	if len(rest) > r.maxPending {
		r.skipped++
		slog.Warn("reframe.skip", "reason", "pending object exceeds limit", "bytes", len(rest), "limit", r.maxPending)
		r.resuming = false
		r.discarding = true
		rest = markerTail(rest)
	}
	r.keep(rest)
	return lines
}

// keep retains rest, a suffix of buf, as the new buffer. A suffix that already
// starts the buffer is left in place so a growing object is not copied again.
func (r *Reframer) keep(rest []byte) {
	if off := len(r.buf) - len(rest); off > 0 {
		r.buf = append(r.buf[:0], rest...)
	}
}

// Close flushes whatever complete object is still buffered and returns the
// done trailer. Calls after the first return nil.
func (r *Reframer) Close() [][]byte {
	if r.closed {
		return nil
	}
	r.closed = true
	var lines [][]byte
	var rest []byte
	if !r.discarding {
		lines, rest = r.scan(r.buf, true)
	}
	r.buf = nil
	if len(bytes.TrimSpace(rest)) != 0 {
		r.skipped++
		slog.Debug("reframe.skip", "reason", "incomplete object at end of stream", "bytes", len(rest))
	}
	return append(lines, doneLine)
}

// scan walks buf fragment by fragment. A fragment runs from one data marker
// to the next; only its first JSON object is used. It returns the produced
// lines and the suffix of buf that must wait for more input.
func (r *Reframer) scan(buf []byte, final bool) ([][]byte, []byte) {
	resume := r.resuming
	r.resuming = false
	var lines [][]byte
	for {
		start := bytes.Index(buf, dataMarker)
		if start < 0 {
			// Keep a tail that could be the beginning of a split marker.
			return lines, markerTail(buf)
		}
		body := buf[start+len(dataMarker):]
		open := bytes.IndexByte(body, '{')
		if !resume {
			next := bytes.Index(body, dataMarker)
			if open < 0 || (next >= 0 && open > next) {
				// No object in this fragment ([DONE], keepalive, ...).
				if next < 0 {
					if final {
						return lines, nil
					}
					return lines, buf[start:]
				}
				r.skipped++
				buf = body[next:]
				continue
			}
			r.obj = objectScanner{}
		}
		resume = false

		end, state := r.obj.scan(body[open:])
		switch state {
		case objectBroken:
			// The object was cut off; resume at the next marker.
			r.skipped++
			slog.Debug("reframe.skip", "reason", "truncated object")
			buf = body[open+end:]
			continue
		case objectOpen:
			if final {
				return lines, body[open:]
			}
			r.resuming = true
			return lines, buf[start:]
		}
		object := body[open : open+end]
		if line, err := encodeLine(object); err != nil {
			r.skipped++
			slog.Debug("reframe.skip", "reason", "invalid object", "error", err)
		} else {
			r.emitted++
			lines = append(lines, line)
		}

		rest := body[open+end:]
		next := bytes.Index(rest, dataMarker)
		if next < 0 {
			return lines, markerTail(rest)
		}
		buf = rest[next:]
	}
}

// markerTail returns the longest suffix of s that is a prefix of the data
// marker, so a marker split across chunks is still recognised.
func markerTail(s []byte) []byte {
	for n := min(len(dataMarker)-1, len(s)); n > 0; n-- {
		if bytes.HasPrefix(dataMarker, s[len(s)-n:]) {
			return s[len(s)-n:]
		}
	}
	return s[len(s):]
}

type objectState int

const (
	objectClosed objectState = iota
	objectOpen
	objectBroken
)

// objectScanner walks the JSON object at the start of a fragment. It keeps its
// position between calls so an object arriving over many chunks is scanned
// once. Braces inside strings and escaped quotes are skipped.
type objectScanner struct {
	pos      int
	depth    int
	inString bool
	escaped  bool
}

// scan continues over s, which must extend the input of earlier calls. For a
// closed object it returns the object length; for a broken one, the offset
// where scanning gave up.
func (o *objectScanner) scan(s []byte) (int, objectState) {
	for ; o.pos < len(s); o.pos++ {
		i := o.pos
		c := s[i]
		if o.inString {
			switch {
			case o.escaped:
				o.escaped = false
			case c == '\\':
				o.escaped = true
			case c == '"':
				o.inString = false
			case c == '\n':
				// Raw newlines cannot occur inside a JSON string.
				return i, objectBroken
			}
			continue
		}
		switch c {
		case '"':
			o.inString = true
		case '{':
			o.depth++
		case '}':
			o.depth--
			if o.depth == 0 {
				return i + 1, objectClosed
			}
		case 'd':
			if bytes.HasPrefix(s[i:], dataMarker) {
				return i, objectBroken
			}
			if bytes.HasPrefix(dataMarker, s[i:]) {
				// Possibly a marker split across chunks; look again later.
				return 0, objectOpen
			}
		}
	}
	return 0, objectOpen
}

// encodeLine compacts object and prefixes "done":false unless the upstream
// object already carries a done field, which then wins.
func encodeLine(object []byte) ([]byte, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, object); err != nil {
		return nil, err
	}
	raw := compact.Bytes()
	if gjson.GetBytes(raw, "done").Exists() {
		return append(raw, '\n'), nil
	}
	line := make([]byte, 0, len(raw)+len(`"done":false,`)+1)
	line = append(line, `{"done":false`...)
	if len(raw) > 2 {
		line = append(line, ',')
	}
	line = append(line, raw[1:]...)
	return append(line, '\n'), nil
}

// Pipe reframes src into dst until src is drained or ctx is cancelled. flush,
// when non-nil, runs after every batch of lines written. The done trailer is
// written only when src ended normally.
func Pipe(ctx context.Context, dst io.Writer, src io.Reader, flush func()) error {
	r := New()
	write := func(lines [][]byte) error {
		if len(lines) == 0 {
			return nil
		}
		for _, line := range lines {
			if _, err := dst.Write(line); err != nil {
				return err
			}
		}
		if flush != nil {
			flush()
		}
		return nil
	}

	text := stream.NewTextReader(src)
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		n, err := text.Read(buf)
		if n > 0 {
			if werr := write(r.Feed(string(buf[:n]))); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return err
		}
	}
	if err := write(r.Close()); err != nil {
		return err
	}
	slog.Debug("reframe.complete", "lines", r.emitted, "skipped", r.skipped)
	return nil
}
