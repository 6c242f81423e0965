package upstream

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
)

// debugOut receives raw dumps; tests swap it.
var debugOut io.Writer = os.Stderr

// dumpUpstreamResponse writes the response head to the debug output and
// wraps the body so every data frame is echoed as it is read.
func (c *Client) dumpUpstreamResponse(resp *http.Response) {
	if c == nil || !c.Debug || resp == nil {
		return
	}

	headerDump, err := httputil.DumpResponse(resp, false)
	if err != nil {
		slog.Error("upstream.response.dump.failed", "error", err)
	} else {
		c.writeDebugDumpBlock("UPSTREAM RESPONSE", headerDump)
	}

	if resp.Body != nil {
		title := "UPSTREAM RESPONSE BODY"
		c.writeDebugDumpBoundary(title, true)
		resp.Body = &debugDumpReadCloser{src: resp.Body, client: c, title: title}
	}
}

func (c *Client) writeDebugDumpBlock(title string, data []byte) {
	c.writeDebugDumpBoundary(title, true)
	if len(data) > 0 {
		c.writeDebugDumpChunk(data)
		if data[len(data)-1] != '\n' {
			c.writeDebugDumpChunk([]byte("\n"))
		}
	}
	c.writeDebugDumpBoundary(title, false)
}

func (c *Client) writeDebugDumpBoundary(title string, begin bool) {
	kind := "END"
	if begin {
		kind = "BEGIN"
	}
	c.writeDebugDumpChunk([]byte("===== " + strings.TrimSpace(title) + " " + kind + " =====\n"))
}

func (c *Client) writeDebugDumpChunk(data []byte) {
	if c == nil || len(data) == 0 {
		return
	}
	c.dumpMu.Lock()
	defer c.dumpMu.Unlock()
	if _, err := debugOut.Write(data); err != nil {
		slog.Error("upstream.dump.write.failed", "error", err)
	}
}

// debugDumpReadCloser echoes complete "data:" lines of the body it wraps.
// Keepalive comments and blank lines are not echoed.
type debugDumpReadCloser struct {
	src    io.ReadCloser
	client *Client
	title  string
	buf    []byte
	closed bool
}

func (d *debugDumpReadCloser) Read(p []byte) (int, error) {
	n, err := d.src.Read(p)
	if n > 0 {
		d.buf = append(d.buf, p[:n]...)
		d.flushLines(false)
	}
	if err == io.EOF {
		d.finish()
	}
	return n, err
}

func (d *debugDumpReadCloser) Close() error {
	err := d.src.Close()
	d.finish()
	return err
}

func (d *debugDumpReadCloser) finish() {
	if d.closed {
		return
	}
	d.closed = true
	d.flushLines(true)
	d.client.writeDebugDumpBoundary(d.title, false)
}

func (d *debugDumpReadCloser) flushLines(final bool) {
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		d.echo(d.buf[:idx])
		d.buf = d.buf[idx+1:]
	}
	if final && len(d.buf) > 0 {
		d.echo(d.buf)
		d.buf = nil
	}
}

func (d *debugDumpReadCloser) echo(line []byte) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte("data:")) {
		return
	}
	d.client.writeDebugDumpChunk(append(append([]byte{}, line...), '\n'))
}
