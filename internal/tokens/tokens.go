// Package tokens estimates input token counts for client requests. The
// backend exposes no counting endpoint, so counts are computed locally.
package tokens

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/smilit/proxycast-sub002/internal/api/anthropic"
)

// Request is the protocol-neutral view of what a client would send.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Tools    []Tool
}

type Message struct {
	Role  string
	Parts []Part
}

type PartKind int

const (
	PartText PartKind = iota
	PartToolUse
	PartToolResult
)

type Part struct {
	Kind  PartKind
	Text  string
	Name  string          // tool_use
	Input json.RawMessage // tool_use
}

type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

type Result struct {
	InputTokens int
	Model       string

	// Estimated is set when the count comes from a tokenizer that does not
	// belong to the model's vendor.
	Estimated bool
}

// Counter counts tokens for the models it supports.
type Counter interface {
	CountTokens(ctx context.Context, req *Request) (*Result, error)
	SupportsModel(model string) bool
}

// FromAnthropic parses an Anthropic Messages or count_tokens body.
func FromAnthropic(body []byte) (*Request, error) {
	var in anthropic.CountTokensRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if in.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	req := &Request{Model: in.Model}
	for i, block := range in.System {
		if i > 0 {
			req.System += "\n"
		}
		req.System += block.Text
	}

	for _, m := range in.Messages {
		msg := Message{Role: m.Role}
		for _, p := range m.Content {
			switch p.Type {
			case "text", "":
				msg.Parts = append(msg.Parts, Part{Kind: PartText, Text: p.Text})
			case "thinking":
				msg.Parts = append(msg.Parts, Part{Kind: PartText, Text: p.Thinking})
			case "tool_use":
				msg.Parts = append(msg.Parts, Part{Kind: PartToolUse, Name: p.Name, Input: p.Input})
			case "tool_result":
				msg.Parts = append(msg.Parts, Part{Kind: PartToolResult, Text: p.Content.Text})
			}
			// images carry no countable text
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, t := range in.Tools {
		req.Tools = append(req.Tools, Tool{Name: t.Name, Description: t.Description, Schema: t.InputSchema})
	}
	return req, nil
}
