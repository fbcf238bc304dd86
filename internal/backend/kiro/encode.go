package kiro

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

// EncodeEvent writes a single backend event frame. It is the inverse of the
// Parser and is used by fake backends.
func EncodeEvent(w io.Writer, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	msg := eventstream.Message{Payload: body}
	msg.Headers.Set(":message-type", eventstream.StringValue("event"))
	msg.Headers.Set(":event-type", eventstream.StringValue(eventType))
	msg.Headers.Set(":content-type", eventstream.StringValue("application/json"))
	return eventstream.NewEncoder().Encode(w, msg)
}

// EncodeException writes an exception frame.
func EncodeException(w io.Writer, exceptionType, message string) error {
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return err
	}
	msg := eventstream.Message{Payload: body}
	msg.Headers.Set(":message-type", eventstream.StringValue("exception"))
	msg.Headers.Set(":exception-type", eventstream.StringValue(exceptionType))
	return eventstream.NewEncoder().Encode(w, msg)
}

// StreamBuilder accumulates encoded frames for a fake backend response.
type StreamBuilder struct {
	buf bytes.Buffer
	err error
}

// Text appends an assistantResponseEvent.
func (b *StreamBuilder) Text(content string) *StreamBuilder {
	return b.event("assistantResponseEvent", map[string]string{"content": content})
}

// ToolUse appends a toolUseEvent.
func (b *StreamBuilder) ToolUse(id, name, input string, stop bool) *StreamBuilder {
	payload := map[string]any{"toolUseId": id, "name": name}
	if input != "" {
		payload["input"] = input
	}
	if stop {
		payload["stop"] = true
	}
	return b.event("toolUseEvent", payload)
}

// Usage appends a messageMetadataEvent with token usage.
func (b *StreamBuilder) Usage(input, output int) *StreamBuilder {
	return b.event("messageMetadataEvent", map[string]any{
		"tokenUsage": map[string]int{"uncachedInputTokens": input, "outputTokens": output},
	})
}

// Stop appends a messageStopEvent.
func (b *StreamBuilder) Stop(reason string) *StreamBuilder {
	return b.event("messageStopEvent", map[string]string{"stopReason": reason})
}

// Event appends an arbitrary event.
func (b *StreamBuilder) Event(eventType string, payload any) *StreamBuilder {
	return b.event(eventType, payload)
}

func (b *StreamBuilder) event(eventType string, payload any) *StreamBuilder {
	if b.err == nil {
		b.err = EncodeEvent(&b.buf, eventType, payload)
	}
	return b
}

// Bytes returns the encoded stream or the first encoding error.
func (b *StreamBuilder) Bytes() ([]byte, error) {
	return b.buf.Bytes(), b.err
}
