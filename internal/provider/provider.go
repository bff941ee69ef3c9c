// Package provider holds the failure taxonomy and wire-level helpers shared
// by the model provider adapters.
package provider

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrMissingCredential indicates no usable secret could be resolved for the
// requested provider. The gateway uses it to skip straight to the fallback
// path instead of attempting a doomed call.
var ErrMissingCredential = errors.New("missing provider credential")

// ErrQuotaExhausted indicates a provider-reported rate-limit condition.
// It triggers fallback rather than plain error propagation.
var ErrQuotaExhausted = errors.New("provider quota exhausted")

// IsQuotaExhausted reports whether an error represents quota exhaustion,
// either as the typed sentinel or as the raw markers providers embed in
// error payloads.
func IsQuotaExhausted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExhausted) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED")
}

// APIError converts a non-2xx provider response into an error, classifying
// quota exhaustion from the status code or the error payload. Provider error
// bodies vary in shape, so the payload is inspected loosely.
func APIError(name string, resp *http.Response) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if readErr != nil {
		return fmt.Errorf("%s error status %d and failed to read body: %w", name, resp.StatusCode, readErr)
	}

	message := gjson.GetBytes(body, "error.message").String()
	status := gjson.GetBytes(body, "error.status").String()
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	if resp.StatusCode == http.StatusTooManyRequests || status == "RESOURCE_EXHAUSTED" {
		return fmt.Errorf("%s status %d: %s: %w", name, resp.StatusCode, message, ErrQuotaExhausted)
	}
	return fmt.Errorf("%s error status %d: %s", name, resp.StatusCode, message)
}

// SSEScanner iterates the data lines of a text/event-stream response body.
// It hides the framing (blank lines, "data: " prefixes, the [DONE] sentinel
// some providers send) and yields raw JSON payloads.
type SSEScanner struct {
	scanner *bufio.Scanner
}

// NewSSEScanner wraps a streaming response body.
func NewSSEScanner(body io.Reader) *SSEScanner {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &SSEScanner{scanner: sc}
}

// Next returns the next data payload, or io.EOF when the stream ends.
func (s *SSEScanner) Next() ([]byte, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return nil, io.EOF
		}
		return []byte(data), nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, io.EOF
}
