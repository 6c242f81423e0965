package stream

import (
	"bytes"
	"strings"
)

// Policy selects how the buffered text is cut into frames.
type Policy int

const (
	// PolicyLines cuts on every "\n" (NDJSON, line-oriented SSE parsing).
	PolicyLines Policy = iota
	// PolicyEvents cuts on a blank line, one SSE event per frame.
	PolicyEvents
)

func (p Policy) String() string {
	switch p {
	case PolicyLines:
		return "lines"
	case PolicyEvents:
		return "events"
	default:
		return "unknown"
	}
}

// Frame is one logical unit of a streamed response: an NDJSON line, an SSE
// event, or a whole single-JSON body.
type Frame struct {
	Raw string
}

// Empty reports whether the frame carries nothing but whitespace.
func (f Frame) Empty() bool {
	return strings.TrimSpace(f.Raw) == ""
}

// Splitter accumulates decoded text and hands out complete frames. It keeps
// the trailing incomplete fragment until more text or Flush arrives, so the
// output depends only on the cumulative text and never on chunk sizes.
// Every byte is searched for a delimiter once, however the text is chunked.
type Splitter struct {
	policy  Policy
	buf     []byte
	scanned int // prefix of buf already searched for a delimiter
}

// NewSplitter creates a splitter for the given delimiter policy.
func NewSplitter(policy Policy) *Splitter {
	return &Splitter{policy: policy}
}

// Feed appends a chunk and returns every frame it completed, in order.
func (s *Splitter) Feed(chunk string) []Frame {
	if chunk == "" {
		return nil
	}
	if s.policy == PolicyEvents {
		// A "\r" left at the end of the buffer pairs with a leading "\n".
		if chunk[0] == '\n' && len(s.buf) > 0 && s.buf[len(s.buf)-1] == '\r' {
			s.buf = s.buf[:len(s.buf)-1]
			s.scanned = min(s.scanned, len(s.buf))
		}
		chunk = strings.ReplaceAll(chunk, "\r\n", "\n")
	}
	s.buf = append(s.buf, chunk...)

	delim := s.delimiter()
	// A delimiter may straddle the previously scanned prefix.
	from := max(s.scanned-(len(delim)-1), 0)
	start := 0
	var frames []Frame
	for {
		idx := bytes.Index(s.buf[from:], delim)
		if idx < 0 {
			break
		}
		end := from + idx
		raw := string(s.buf[start:end])
		if s.policy == PolicyLines {
			raw = strings.TrimSuffix(raw, "\r")
		}
		frames = append(frames, Frame{Raw: raw})
		start = end + len(delim)
		from = start
	}
	if start > 0 {
		s.buf = append(s.buf[:0], s.buf[start:]...)
	}
	s.scanned = len(s.buf)
	return frames
}

// Flush returns the residual buffer as a final frame. The residual may be a
// complete payload that simply lacked a trailing delimiter.
func (s *Splitter) Flush() (Frame, bool) {
	rest := string(s.buf)
	s.buf = s.buf[:0]
	s.scanned = 0
	if s.policy == PolicyLines {
		rest = strings.TrimSuffix(rest, "\r")
	}
	if strings.TrimSpace(rest) == "" {
		return Frame{}, false
	}
	return Frame{Raw: rest}, true
}

// Buffered returns the text held back as an incomplete frame.
func (s *Splitter) Buffered() string {
	return string(s.buf)
}

var (
	lineDelim  = []byte("\n")
	eventDelim = []byte("\n\n")
)

func (s *Splitter) delimiter() []byte {
	if s.policy == PolicyEvents {
		return eventDelim
	}
	return lineDelim
}
