package codec

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes an {"error": message} response.
func WriteError(w http.ResponseWriter, status int, message string) {
	slog.Error("request failed", "status", status, "error", message)
	WriteJSON(w, status, map[string]string{"error": message})
}

// WritePlain writes a short text/plain response such as "Method Not Allowed".
func WritePlain(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, message)
}

// DescribeError renders the human-readable text of the terminal event that
// replaces a failed response.
func DescribeError(statusCode int, rawBody []byte) string {
	status := fmt.Sprintf("%d", statusCode)
	if text := http.StatusText(statusCode); text != "" {
		status = fmt.Sprintf("%d %s", statusCode, text)
	}
	if msg := ExtractUpstreamErrorMessage(rawBody); msg != "" {
		return fmt.Sprintf("\n**Error:** HTTP %s: %s", status, msg)
	}
	return fmt.Sprintf("\n**Error:** HTTP %s", status)
}

// DescribeTransportError renders the terminal text for a failure that was
// not an HTTP status (connection reset, truncated body, ...).
func DescribeTransportError(err error) string {
	return fmt.Sprintf("\n**Error:** %v", err)
}

// FormatUpstreamError formats an error from the upstream response.
func FormatUpstreamError(statusCode int, rawBody []byte) string {
	status := fmt.Sprintf("%d", statusCode)
	if text := http.StatusText(statusCode); text != "" {
		status = fmt.Sprintf("%d %s", statusCode, text)
	}
	if msg := ExtractUpstreamErrorMessage(rawBody); msg != "" {
		return fmt.Sprintf("Upstream returned HTTP %s: %s", status, msg)
	}
	if preview := compactBodyPreview(rawBody, 280); preview != "" {
		return fmt.Sprintf("Upstream returned HTTP %s with unparsed body: %s", status, preview)
	}
	return fmt.Sprintf("Upstream returned HTTP %s with empty error body", status)
}

// FormatUpstreamErrorWithHeaders includes request ID headers in the error.
func FormatUpstreamErrorWithHeaders(statusCode int, rawBody []byte, headers http.Header) string {
	msg := FormatUpstreamError(statusCode, rawBody)
	reqID := extractUpstreamRequestID(headers)
	if reqID == "" {
		return msg
	}
	return fmt.Sprintf("%s (request_id: %s)", msg, reqID)
}

// errorMessagePaths are tried in order; the Workers AI envelope reports
// failures as errors[].message.
var errorMessagePaths = []string{
	"error.message",
	"error",
	"errors.0.message",
	"errors.0",
	"message",
	"detail",
	"error_description",
	"title",
	"reason",
}

// ExtractUpstreamErrorMessage extracts the error message from an upstream error body.
func ExtractUpstreamErrorMessage(rawBody []byte) string {
	trimmed := strings.TrimSpace(string(rawBody))
	if trimmed == "" || !gjson.Valid(trimmed) {
		return ""
	}
	for _, path := range errorMessagePaths {
		v := gjson.Get(trimmed, path)
		if v.Type == gjson.String {
			if msg := strings.TrimSpace(v.Str); msg != "" {
				return msg
			}
		}
	}
	return ""
}

func compactBodyPreview(rawBody []byte, maxLen int) string {
	trimmed := strings.TrimSpace(string(rawBody))
	if trimmed == "" {
		return ""
	}
	clean := strings.Join(strings.Fields(trimmed), " ")
	if len(clean) <= maxLen {
		return clean
	}
	return clean[:maxLen] + "..."
}

func extractUpstreamRequestID(headers http.Header) string {
	if headers == nil {
		return ""
	}
	for _, key := range []string{"x-request-id", "cf-ray", "x-openai-request-id", "request-id"} {
		if v := strings.TrimSpace(headers.Get(key)); v != "" {
			return v
		}
	}
	return ""
}
