package openai

import (
	"bytes"

	"github.com/smilit/proxycast-sub002/internal/api/openai"
	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/core/stream"
	"github.com/smilit/proxycast-sub002/internal/pkg/codec"
)

var doneRecord = []byte("data: [DONE]\n\n")

// Generator renders stream events as chat.completion.chunk records.
//
// Chat Completions numbers tool calls separately from content, so block
// indices are mapped to a dense tool call index on first sight.
type Generator struct {
	id           string
	model        string
	created      int64
	includeUsage bool

	started  bool
	stopped  bool
	done     bool
	tools    map[int]int
	nextTool int
	usage    *stream.Usage
}

var _ codec.Generator = (*Generator)(nil)

// NewGenerator returns a generator for one completion stream. With
// includeUsage the finish chunk is followed by a usage-only chunk with no
// choices; without it usage is not streamed at all.
func NewGenerator(id, model string, created int64, includeUsage bool) *Generator {
	return &Generator{
		id:           id,
		model:        model,
		created:      created,
		includeUsage: includeUsage,
		tools:        make(map[int]int),
	}
}

// Render implements codec.Generator.
func (g *Generator) Render(ev stream.Event) ([]byte, error) {
	if g.stopped {
		return nil, nil
	}

	var buf bytes.Buffer
	var violation error
	if !g.started && ev.Type != stream.EventNoop {
		if ev.Type == stream.EventMessageStart {
			if ev.ID != "" {
				g.id = ev.ID
			}
			if ev.Model != "" {
				g.model = ev.Model
			}
		} else if ev.IsContent() {
			violation = &codec.ContractViolation{Index: ev.Index, Reason: "content before message start"}
		}
		g.started = true
		g.write(&buf, g.chunk(openai.ChunkDelta{Role: "assistant"}, nil))
	}

	switch ev.Type {
	case stream.EventTextDelta:
		if ev.Text != "" {
			g.write(&buf, g.chunk(openai.ChunkDelta{Content: ev.Text}, nil))
		}

	case stream.EventToolCallDelta:
		if err := g.toolCall(&buf, ev); err != nil && violation == nil {
			violation = err
		}

	case stream.EventUsage:
		u := *ev.Usage
		g.usage = &u

	case stream.EventMessageStop:
		reason, raw := FinishReason(ev.StopReason)
		c := g.chunk(openai.ChunkDelta{}, &reason)
		c.Choices[0].StopReasonRaw = raw
		g.write(&buf, c)
		if g.includeUsage {
			g.write(&buf, openai.ChatCompletionChunk{
				ID:      g.id,
				Object:  "chat.completion.chunk",
				Created: g.created,
				Model:   g.model,
				Choices: []openai.ChunkChoice{},
				Usage:   chatUsage(g.usage),
			})
		}
		g.stopped = true

	case stream.EventError:
		reason := "error"
		c := g.chunk(openai.ChunkDelta{}, &reason)
		apiErr := openai.APIError{
			Message: ev.Err.Message,
			Type:    errorType(domain.ErrorTypeForKind(ev.Err.Kind)),
		}
		if ev.Err.Kind != "" {
			kind := ev.Err.Kind
			apiErr.Code = &kind
		}
		c.Error = &apiErr
		g.write(&buf, c)
		g.stopped = true
	}

	return buf.Bytes(), violation
}

// Finalize returns the [DONE] sentinel once the stream has started. A
// stream that never saw a terminal event is closed with finish_reason
// "stop" first.
func (g *Generator) Finalize() []byte {
	if !g.started || g.done {
		return nil
	}
	var buf bytes.Buffer
	if !g.stopped {
		reason := "stop"
		g.write(&buf, g.chunk(openai.ChunkDelta{}, &reason))
		g.stopped = true
	}
	buf.Write(doneRecord)
	g.done = true
	return buf.Bytes()
}

func (g *Generator) toolCall(buf *bytes.Buffer, ev stream.Event) error {
	var violation error
	idx, known := g.tools[ev.Index]
	if !known {
		idx = g.nextTool
		g.nextTool++
		g.tools[ev.Index] = idx
		if ev.CallID == "" && ev.Name == "" {
			violation = &codec.ContractViolation{Index: ev.Index, Reason: "tool arguments before tool call start"}
		}
	}

	tc := openai.ToolCallChunk{Index: idx}
	if ev.CallID != "" || ev.Name != "" {
		tc.ID = ev.CallID
		tc.Type = "function"
		tc.Function = &openai.FunctionCallChunk{Name: ev.Name, Arguments: ev.ArgumentsFragment}
	} else if ev.ArgumentsFragment != "" {
		tc.Function = &openai.FunctionCallChunk{Arguments: ev.ArgumentsFragment}
	} else {
		return violation
	}
	g.write(buf, g.chunk(openai.ChunkDelta{ToolCalls: []openai.ToolCallChunk{tc}}, nil))
	return violation
}

func (g *Generator) chunk(delta openai.ChunkDelta, finish *string) openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		ID:      g.id,
		Object:  "chat.completion.chunk",
		Created: g.created,
		Model:   g.model,
		Choices: []openai.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func (g *Generator) write(buf *bytes.Buffer, v any) {
	buf.Write(codec.MarshalSSE("", v))
}
