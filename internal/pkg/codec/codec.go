// Package codec defines the capability interface each client-facing protocol
// implements, and the error rendering shared by the HTTP handlers.
//
// A request flows through a Protocol as:
//   - client body → TranslateRequest → backend request + RequestInfo
//   - backend stream → Generator.Render per event → client SSE bytes
//   - aggregated backend reply → TranslateResponse → client JSON body
package codec

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/smilit/proxycast-sub002/internal/backend/kiro"
	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/core/stream"
)

// Protocol is implemented once per client protocol and selected per route.
type Protocol interface {
	Name() domain.APIType

	// TranslateRequest converts a client body into a backend request. The
	// result depends only on body and opts.
	TranslateRequest(body []byte, opts RequestOptions) (*kiro.Request, *RequestInfo, error)

	// TranslateResponse renders an aggregated backend reply as a
	// non-streaming client response body.
	TranslateResponse(resp *kiro.Response, info *RequestInfo) ([]byte, error)

	// NewGenerator returns SSE rendering state for one response stream.
	NewGenerator(info *RequestInfo) Generator

	// FormatError renders err in the protocol's error envelope.
	FormatError(err error) *ErrorResponse
}

// RequestOptions carries the caller-supplied values that would otherwise make
// translation nondeterministic.
type RequestOptions struct {
	ConversationID string
	MessageID      string
	ProfileARN     string
	Created        int64
}

// RequestInfo records what the response side needs to know about the
// original client request.
type RequestInfo struct {
	MessageID    string
	Model        string
	BackendModel string
	Stream       bool
	IncludeUsage bool
	Created      int64

	// Sampling parameters have no backend equivalent. They are kept here so
	// handlers can log them.
	MaxTokens   int
	Temperature *float32
	TopP        *float32
	Stop        []string
}

// Generator renders stream events as SSE records for one response stream.
type Generator interface {
	// Render returns zero or more complete SSE records for ev. A non-nil
	// error is a *ContractViolation diagnostic; the returned bytes are still
	// valid and must be written.
	Render(ev stream.Event) ([]byte, error)

	// Finalize returns any trailing records the dialect requires after the
	// terminal event. It is safe to call more than once.
	Finalize() []byte
}

// ContractViolation reports an event sequence the generator had to repair,
// such as a delta for a block that was never opened.
type ContractViolation struct {
	Index  int
	Reason string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("stream contract violation at index %d: %s", e.Index, e.Reason)
}

// ErrorResponse is a rendered error body with its HTTP status.
type ErrorResponse struct {
	StatusCode int
	Body       []byte
}

// WriteError writes err as a JSON error response in p's envelope.
func WriteError(w http.ResponseWriter, p Protocol, err error) {
	resp := p.FormatError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// MarshalSSE marshals v and frames it as an SSE record. An empty event name
// produces a data-only record.
func MarshalSSE(event string, v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"type": "error", "message": err.Error()})
	}
	if event == "" {
		return []byte("data: " + string(data) + "\n\n")
	}
	return []byte("event: " + event + "\ndata: " + string(data) + "\n\n")
}
