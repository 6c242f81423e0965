package upstream

import (
	"io"
	"net/http"

	"github.com/n0madic/go-chatrelay/internal/codec"
)

// maxErrorBodyBytes bounds how much of an error body is kept.
const maxErrorBodyBytes = 64 * 1024

// UpstreamError represents a failed upstream request with error details.
type UpstreamError struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

func (e *UpstreamError) Error() string {
	return codec.FormatUpstreamErrorWithHeaders(e.StatusCode, e.Body, e.Headers)
}

// Message returns the upstream's own error message, if it sent one.
func (e *UpstreamError) Message() string {
	return codec.ExtractUpstreamErrorMessage(e.Body)
}

// checkResponse drains and closes a non-2xx response and describes it.
func checkResponse(resp *http.Response) *UpstreamError {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	resp.Body.Close()
	return &UpstreamError{
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header,
	}
}
