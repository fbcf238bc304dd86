// Package stream defines the protocol-neutral event model shared by the
// backend parser and the client-facing SSE generators.
package stream

// EventType discriminates the Event variants.
type EventType string

const (
	EventMessageStart  EventType = "message_start"
	EventTextDelta     EventType = "text_delta"
	EventToolCallDelta EventType = "tool_call_delta"
	EventUsage         EventType = "usage"
	EventMessageStop   EventType = "message_stop"
	EventError         EventType = "error"

	// EventNoop is produced for backend records this gateway does not
	// understand. It is never forwarded to a generator.
	EventNoop EventType = "noop"
)

// Event is one unit of streamed model output. Only the fields relevant to
// Type are populated.
type Event struct {
	Type EventType

	// MessageStart
	ID    string
	Model string

	// TextDelta and ToolCallDelta
	Index int
	Text  string

	// ToolCallDelta. CallID and Name are set on the first fragment of a call.
	CallID            string
	Name              string
	ArgumentsFragment string
	Done              bool

	// Usage
	Usage *Usage

	// MessageStop
	StopReason StopReason

	// Error
	Err *ErrorInfo
}

// Usage carries token accounting reported by the backend.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  *int
	CacheWriteTokens *int
}

// ErrorInfo describes a terminal in-stream failure.
type ErrorInfo struct {
	Kind      string
	Message   string
	Retryable bool
}

// IsTerminal reports whether the event closes a stream.
func (e Event) IsTerminal() bool {
	return e.Type == EventMessageStop || e.Type == EventError
}

// IsContent reports whether the event carries model output.
func (e Event) IsContent() bool {
	return e.Type == EventTextDelta || e.Type == EventToolCallDelta
}

// MessageStart builds a message_start event.
func MessageStart(id, model string) Event {
	return Event{Type: EventMessageStart, ID: id, Model: model}
}

// TextDelta builds a text_delta event.
func TextDelta(index int, text string) Event {
	return Event{Type: EventTextDelta, Index: index, Text: text}
}

// ToolCallStart builds the first fragment of a tool call.
func ToolCallStart(index int, callID, name string) Event {
	return Event{Type: EventToolCallDelta, Index: index, CallID: callID, Name: name}
}

// ToolCallArgs builds an arguments fragment for an open tool call.
func ToolCallArgs(index int, fragment string) Event {
	return Event{Type: EventToolCallDelta, Index: index, ArgumentsFragment: fragment}
}

// ToolCallEnd marks the end of a tool call's arguments.
func ToolCallEnd(index int) Event {
	return Event{Type: EventToolCallDelta, Index: index, Done: true}
}

// UsageUpdate builds a usage event.
func UsageUpdate(u Usage) Event {
	return Event{Type: EventUsage, Usage: &u}
}

// MessageStop builds the terminal message_stop event.
func MessageStop(reason StopReason) Event {
	return Event{Type: EventMessageStop, StopReason: reason}
}

// Error builds the terminal error event.
func Error(kind, message string, retryable bool) Event {
	return Event{Type: EventError, Err: &ErrorInfo{Kind: kind, Message: message, Retryable: retryable}}
}
