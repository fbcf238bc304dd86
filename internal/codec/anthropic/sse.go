package anthropic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/smilit/proxycast-sub002/internal/api/anthropic"
	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/core/stream"
	"github.com/smilit/proxycast-sub002/internal/pkg/codec"
)

const (
	blockText    = "text"
	blockToolUse = "tool_use"
)

// Generator renders stream events in the Anthropic SSE dialect. It tracks
// which content blocks are open so every block is started before its first
// delta and stopped before the next block or the end of the message.
type Generator struct {
	messageID string
	model     string

	started bool
	stopped bool
	open    map[int]string
	usage   stream.Usage
}

var _ codec.Generator = (*Generator)(nil)

// NewGenerator returns a generator for one message.
func NewGenerator(messageID, model string) *Generator {
	return &Generator{
		messageID: messageID,
		model:     model,
		open:      make(map[int]string),
	}
}

// Render implements codec.Generator.
func (g *Generator) Render(ev stream.Event) ([]byte, error) {
	if g.stopped {
		return nil, nil
	}

	var buf bytes.Buffer
	var violation error
	if ev.Type != stream.EventMessageStart && ev.Type != stream.EventNoop && !g.started {
		g.messageStart(&buf)
		if ev.IsContent() {
			violation = &codec.ContractViolation{Index: ev.Index, Reason: "content before message_start"}
		}
	}

	switch ev.Type {
	case stream.EventMessageStart:
		if !g.started {
			if ev.ID != "" {
				g.messageID = ev.ID
			}
			if ev.Model != "" {
				g.model = ev.Model
			}
			g.messageStart(&buf)
		}

	case stream.EventTextDelta:
		if err := g.ensureOpen(&buf, ev.Index, blockText, "", ""); err != nil && violation == nil {
			violation = err
		}
		g.write(&buf, "content_block_delta", anthropic.ContentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: ev.Index,
			Delta: anthropic.BlockDelta{Type: "text_delta", Text: ev.Text},
		})

	case stream.EventToolCallDelta:
		if err := g.toolCall(&buf, ev); err != nil && violation == nil {
			violation = err
		}

	case stream.EventUsage:
		g.usage = *ev.Usage

	case stream.EventMessageStop:
		g.closeAll(&buf)
		reason := StopReason(ev.StopReason)
		g.write(&buf, "message_delta", anthropic.MessageDeltaEvent{
			Type:  "message_delta",
			Delta: anthropic.MessageDelta{StopReason: reason},
			Usage: &anthropic.DeltaUsage{
				InputTokens:              g.usage.InputTokens,
				OutputTokens:             g.usage.OutputTokens,
				CacheReadInputTokens:     g.usage.CacheReadTokens,
				CacheCreationInputTokens: g.usage.CacheWriteTokens,
			},
		})
		g.messageStop(&buf)

	case stream.EventError:
		g.closeAll(&buf)
		g.write(&buf, "error", anthropic.ErrorEvent{
			Type: "error",
			Error: anthropic.APIError{
				Type:    errorType(domain.ErrorTypeForKind(ev.Err.Kind)),
				Message: ev.Err.Message,
			},
		})
		g.messageStop(&buf)
	}

	return buf.Bytes(), violation
}

// Finalize closes a message whose terminal event never arrived. After a
// message_stop it returns nothing.
func (g *Generator) Finalize() []byte {
	if !g.started || g.stopped {
		return nil
	}
	var buf bytes.Buffer
	g.closeAll(&buf)
	g.messageStop(&buf)
	return buf.Bytes()
}

// Ping renders a keep-alive record.
func (g *Generator) Ping() []byte {
	return codec.MarshalSSE("ping", anthropic.PingEvent{Type: "ping"})
}

func (g *Generator) toolCall(buf *bytes.Buffer, ev stream.Event) error {
	var violation error
	if ev.CallID != "" || ev.Name != "" {
		if kind, ok := g.open[ev.Index]; ok {
			violation = &codec.ContractViolation{Index: ev.Index, Reason: "tool call restarted an open " + kind + " block"}
			g.closeBlock(buf, ev.Index)
		}
		g.ensureOpen(buf, ev.Index, blockToolUse, ev.CallID, ev.Name)
	} else if err := g.ensureOpen(buf, ev.Index, blockToolUse, "", ""); err != nil {
		violation = err
	}

	if ev.ArgumentsFragment != "" {
		g.write(buf, "content_block_delta", anthropic.ContentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: ev.Index,
			Delta: anthropic.BlockDelta{Type: "input_json_delta", PartialJSON: ev.ArgumentsFragment},
		})
	}
	if ev.Done {
		g.closeBlock(buf, ev.Index)
	}
	return violation
}

// ensureOpen opens a block of kind at index, closing any other open block
// first. A delta arriving for a block that was never started is repaired by
// synthesizing the start, and reported.
func (g *Generator) ensureOpen(buf *bytes.Buffer, index int, kind, id, name string) error {
	if g.open[index] == kind {
		return nil
	}

	var violation error
	if current, ok := g.open[index]; ok {
		violation = &codec.ContractViolation{Index: index, Reason: fmt.Sprintf("%s delta for open %s block", kind, current)}
		g.closeBlock(buf, index)
	} else if kind == blockToolUse && id == "" && name == "" {
		violation = &codec.ContractViolation{Index: index, Reason: "tool arguments before tool call start"}
	}

	for _, idx := range g.openIndices() {
		g.closeBlock(buf, idx)
	}

	block := anthropic.ResponseContent{Type: kind}
	if kind == blockText {
		empty := ""
		block.Text = &empty
	} else {
		block.ID = id
		block.Name = name
		block.Input = json.RawMessage(`{}`)
	}
	g.write(buf, "content_block_start", anthropic.ContentBlockStartEvent{
		Type:         "content_block_start",
		Index:        index,
		ContentBlock: block,
	})
	g.open[index] = kind
	return violation
}

func (g *Generator) closeBlock(buf *bytes.Buffer, index int) {
	if _, ok := g.open[index]; !ok {
		return
	}
	delete(g.open, index)
	g.write(buf, "content_block_stop", anthropic.ContentBlockStopEvent{Type: "content_block_stop", Index: index})
}

func (g *Generator) closeAll(buf *bytes.Buffer) {
	for _, idx := range g.openIndices() {
		g.closeBlock(buf, idx)
	}
}

func (g *Generator) openIndices() []int {
	indices := make([]int, 0, len(g.open))
	for idx := range g.open {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}

func (g *Generator) messageStart(buf *bytes.Buffer) {
	g.started = true
	g.write(buf, "message_start", anthropic.MessageStartEvent{
		Type: "message_start",
		Message: anthropic.MessagesResponse{
			ID:      g.messageID,
			Type:    "message",
			Role:    "assistant",
			Content: []anthropic.ResponseContent{},
			Model:   g.model,
			Usage:   anthropic.MessagesUsage{},
		},
	})
}

func (g *Generator) messageStop(buf *bytes.Buffer) {
	g.stopped = true
	g.write(buf, "message_stop", anthropic.MessageStopEvent{Type: "message_stop"})
}

func (g *Generator) write(buf *bytes.Buffer, event string, v any) {
	buf.Write(codec.MarshalSSE(event, v))
}
