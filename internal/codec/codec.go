package codec

import (
	"net/http"
)

// Content types of the bodies the relay reads and writes.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeNDJSON      = "application/x-ndjson"
	ContentTypeEventStream = "text/event-stream"
)

// StreamWriter writes a line-framed streaming body and flushes after every
// line so the client sees each frame as soon as it is produced.
type StreamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewStreamWriter sets the streaming headers and writes the status line.
// It returns false when w cannot flush, in which case nothing is written.
func NewStreamWriter(w http.ResponseWriter, contentType string, statusCode int) (*StreamWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(statusCode)
	return &StreamWriter{w: w, flusher: flusher}, true
}

// Write implements io.Writer; every write is flushed immediately.
func (s *StreamWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	s.flusher.Flush()
	return n, nil
}

// Flush forces buffered data to the client.
func (s *StreamWriter) Flush() {
	s.flusher.Flush()
}
