package kiro

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/core/stream"
)

const (
	preludeLen   = 12
	minFrameLen  = 16
	maxFrameLen  = 16 * 1024 * 1024
	blockNone    = ""
	blockText    = "text"
	blockToolUse = "tool_use"
)

// Parser decodes the backend's AWS event-stream framing into stream events.
// Frames may be split across Feed calls at any byte offset. A Parser is owned
// by a single stream and is not safe for concurrent use.
type Parser struct {
	dec *eventstream.Decoder
	buf []byte

	consumed int
	err      error

	index     int
	blockKind string
	tools     map[string]int
	doneTools map[string]bool
}

var _ stream.Decoder = (*Parser)(nil)

// NewParser returns a parser positioned at the start of a stream.
func NewParser() *Parser {
	return &Parser{
		dec:       eventstream.NewDecoder(),
		index:     -1,
		tools:     make(map[string]int),
		doneTools: make(map[string]bool),
	}
}

// Consumed returns the number of bytes belonging to fully decoded frames.
func (p *Parser) Consumed() int {
	return p.consumed
}

// Feed appends chunk to the buffer and decodes every complete frame in it.
// Once Feed has returned an error, the parser is poisoned and returns the
// same error on every later call.
func (p *Parser) Feed(chunk []byte) ([]stream.Event, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.buf = append(p.buf, chunk...)

	var events []stream.Event
	off := 0
	for len(p.buf)-off >= 4 {
		total := int(binary.BigEndian.Uint32(p.buf[off : off+4]))
		if total < minFrameLen || total > maxFrameLen {
			return events, p.fail(domain.ParseMalformed, fmt.Sprintf("invalid frame length %d", total), nil)
		}
		if len(p.buf)-off < total {
			break
		}

		msg, err := p.dec.Decode(bytes.NewReader(p.buf[off:off+total]), nil)
		if err != nil {
			return events, p.fail(domain.ParseMalformed, "failed to decode frame", err)
		}
		ev, err := p.interpret(msg)
		if err != nil {
			return events, err
		}
		events = append(events, ev...)

		off += total
		p.consumed += total
	}

	p.buf = append(p.buf[:0], p.buf[off:]...)
	return events, nil
}

// Finish reports a truncated stream if any partial frame is still buffered.
func (p *Parser) Finish() error {
	if p.err != nil {
		return p.err
	}
	if len(p.buf) > 0 {
		return p.fail(domain.ParseTruncated, fmt.Sprintf("%d bytes of incomplete frame", len(p.buf)), nil)
	}
	return nil
}

func (p *Parser) fail(kind domain.ParseErrorKind, msg string, cause error) error {
	p.err = &domain.ParseError{Kind: kind, Consumed: p.consumed, Message: msg, Cause: cause}
	return p.err
}

func headerString(msg eventstream.Message, name string) string {
	v := msg.Headers.Get(name)
	if v == nil {
		return ""
	}
	return v.String()
}

func (p *Parser) interpret(msg eventstream.Message) ([]stream.Event, error) {
	switch headerString(msg, ":message-type") {
	case "exception":
		return p.exception(headerString(msg, ":exception-type"), msg.Payload), nil
	case "error":
		return []stream.Event{stream.Error(headerString(msg, ":error-code"), headerString(msg, ":error-message"), false)}, nil
	}

	eventType := headerString(msg, ":event-type")
	switch eventType {
	case "assistantResponseEvent":
		var payload assistantResponsePayload
		if err := p.unmarshal(eventType, msg.Payload, &payload); err != nil {
			return nil, err
		}
		return p.text(payload.Content), nil

	case "toolUseEvent":
		var payload toolUsePayload
		if err := p.unmarshal(eventType, msg.Payload, &payload); err != nil {
			return nil, err
		}
		if payload.ToolUseID == "" {
			return nil, p.fail(domain.ParseSchemaInvalid, "toolUseEvent without toolUseId", nil)
		}
		return p.toolUse(payload)

	case "messageMetadataEvent", "metadataEvent", "usageEvent":
		var payload metadataPayload
		if err := p.unmarshal(eventType, msg.Payload, &payload); err != nil {
			return nil, err
		}
		if u := payload.usage(); u != nil {
			return []stream.Event{stream.UsageUpdate(*u)}, nil
		}
		return nil, nil

	case "messageStopEvent":
		var payload messageStopPayload
		if err := p.unmarshal(eventType, msg.Payload, &payload); err != nil {
			return nil, err
		}
		if payload.StopReason == "" {
			return nil, nil
		}
		return []stream.Event{stream.MessageStop(stream.ParseStopReason(payload.StopReason))}, nil
	}

	return []stream.Event{{Type: stream.EventNoop}}, nil
}

func (p *Parser) unmarshal(eventType string, payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return p.fail(domain.ParseSchemaInvalid, "invalid "+eventType+" payload", err)
	}
	return nil
}

func (p *Parser) text(content string) []stream.Event {
	if content == "" {
		return nil
	}
	if p.blockKind != blockText {
		p.index++
		p.blockKind = blockText
	}
	return []stream.Event{stream.TextDelta(p.index, content)}
}

func (p *Parser) toolUse(payload toolUsePayload) ([]stream.Event, error) {
	id := payload.ToolUseID
	if p.doneTools[id] {
		return nil, nil
	}

	var events []stream.Event
	idx, seen := p.tools[id]
	if !seen {
		p.index++
		idx = p.index
		p.tools[id] = idx
		p.blockKind = blockToolUse
		events = append(events, stream.ToolCallStart(idx, id, payload.Name))
	}

	fragment, err := payload.fragment()
	if err != nil {
		return nil, p.fail(domain.ParseSchemaInvalid, "invalid toolUseEvent input", err)
	}
	if fragment != "" {
		events = append(events, stream.ToolCallArgs(idx, fragment))
	}

	if payload.Stop {
		p.doneTools[id] = true
		p.blockKind = blockNone
		events = append(events, stream.ToolCallEnd(idx))
	}
	return events, nil
}

func (p *Parser) exception(exceptionType string, payload []byte) []stream.Event {
	var body struct {
		Message string `json:"message"`
	}
	message := string(payload)
	if json.Unmarshal(payload, &body) == nil && body.Message != "" {
		message = body.Message
	}
	if exceptionType == "" {
		exceptionType = "exception"
	}
	retryable := exceptionType == "ThrottlingException" || exceptionType == "InternalServerException"
	return []stream.Event{stream.Error(exceptionType, message, retryable)}
}

type assistantResponsePayload struct {
	Content string `json:"content"`
}

type toolUsePayload struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Stop      bool            `json:"stop"`
}

// fragment returns the raw argument text carried by the event. The backend
// normally streams input as string fragments but may send a whole object.
func (t toolUsePayload) fragment() (string, error) {
	raw := bytes.TrimSpace(t.Input)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return "", err
	}
	return compact.String(), nil
}

type tokenUsage struct {
	InputTokens           *int `json:"inputTokens"`
	UncachedInputTokens   *int `json:"uncachedInputTokens"`
	OutputTokens          *int `json:"outputTokens"`
	CacheReadInputTokens  *int `json:"cacheReadInputTokens"`
	CacheWriteInputTokens *int `json:"cacheWriteInputTokens"`
}

type metadataPayload struct {
	tokenUsage
	TokenUsage           *tokenUsage      `json:"tokenUsage"`
	MessageMetadataEvent *metadataPayload `json:"messageMetadataEvent"`
}

func (m metadataPayload) usage() *stream.Usage {
	if m.MessageMetadataEvent != nil {
		return m.MessageMetadataEvent.usage()
	}
	t := m.tokenUsage
	if m.TokenUsage != nil {
		t = *m.TokenUsage
	}

	input := t.UncachedInputTokens
	if input == nil {
		input = t.InputTokens
	}
	if input == nil && t.OutputTokens == nil {
		return nil
	}

	u := &stream.Usage{
		CacheReadTokens:  t.CacheReadInputTokens,
		CacheWriteTokens: t.CacheWriteInputTokens,
	}
	if input != nil {
		u.InputTokens = *input
	}
	if t.OutputTokens != nil {
		u.OutputTokens = *t.OutputTokens
	}
	return u
}

type messageStopPayload struct {
	StopReason string `json:"stopReason"`
}
