package stream

import (
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// readChunkSize is the size of a single pull from the transport.
const readChunkSize = 32 * 1024

// Reader pulls chunks from an io.Reader and yields frames lazily.
type Reader struct {
	src      io.Reader
	splitter *Splitter
	pending  []Frame
	buf      []byte
	eof      bool
	err      error
}

// NewReader creates a frame reader over r. Bytes pass through a streaming
// UTF-8 decoder first: a multi-byte code point split across transport chunks
// is held back until complete, invalid bytes become U+FFFD and a leading BOM
// is dropped.
func NewReader(r io.Reader, policy Policy) *Reader {
	return &Reader{
		src:      NewTextReader(r),
		splitter: NewSplitter(policy),
		buf:      make([]byte, readChunkSize),
	}
}

// NewTextReader wraps r with a streaming-safe UTF-8 decoder.
func NewTextReader(r io.Reader) io.Reader {
	return transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
}

// Next returns the next complete frame. It returns io.EOF once the source is
// drained and the residual buffer has been flushed. Any other error comes
// from the source; frames completed before it were already returned.
func (r *Reader) Next() (Frame, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return Frame{}, r.err
		}
		if r.eof {
			return Frame{}, io.EOF
		}
		n, err := r.src.Read(r.buf)
		if n > 0 {
			r.pending = append(r.pending, r.splitter.Feed(string(r.buf[:n]))...)
		}
		switch {
		case err == io.EOF:
			r.eof = true
			if last, ok := r.splitter.Flush(); ok {
				r.pending = append(r.pending, last)
			}
		case err != nil:
			// Frames completed before the failure are still handed out.
			r.err = err
		}
	}
	f := r.pending[0]
	r.pending = r.pending[1:]
	return f, nil
}

// Residual returns text buffered but not yet framed.
func (r *Reader) Residual() string {
	return r.splitter.Buffered()
}
