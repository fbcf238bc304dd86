package kiro

import (
	"encoding/json"
	"strings"
)

const (
	// ForceToolInstruction is appended to the system prompt when the client
	// requires a tool call, since the backend has no tool_choice parameter.
	ForceToolInstruction = "[CRITICAL INSTRUCTION] You MUST use one of the provided tools to respond. Do NOT respond with plain text. Call a tool function immediately."

	placeholderContinue    = "Continue"
	placeholderToolResults = "Tool results provided."
	placeholderAssistant   = "I understand."

	// MaxFunctionTools is the number of function tools the backend accepts.
	MaxFunctionTools   = 50
	maxToolDescription = 500
)

// Turn is one protocol-neutral conversation message produced by a client
// translator.
type Turn struct {
	Role        string // "user" or "assistant"
	Text        string
	Images      []Image
	ToolResults []ToolResult
	ToolUses    []ToolUse
}

// FunctionDef is a client tool definition.
type FunctionDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
	WebSearch   bool
}

// Conversation is the input to BuildRequest.
type Conversation struct {
	ConversationID string
	ProfileARN     string
	ModelID        string
	System         string
	ForceTool      bool
	Turns          []Turn
	Tools          []FunctionDef
}

// BuildRequest lays a conversation out in the backend's shape: the final user
// turn becomes the current message, earlier turns become strictly
// alternating history, and the system prompt is folded into the first user
// turn. The output depends only on the input.
func BuildRequest(c Conversation) *Request {
	tools := convertTools(c.Tools)

	system := c.System
	if c.ForceTool && len(tools) > 0 {
		system = strings.TrimSpace(system + "\n\n" + ForceToolInstruction)
	}

	turns := c.Turns
	var current Turn
	if n := len(turns); n > 0 && turns[n-1].Role == "user" {
		current = turns[n-1]
		turns = turns[:n-1]
	} else {
		current = Turn{Role: "user"}
	}

	history := fixAlternation(turns)

	if system != "" {
		if len(history) > 0 {
			history[0].Text = joinSystem(system, history[0].Text)
		} else {
			current.Text = joinSystem(system, current.Text)
		}
	}

	req := &Request{
		ConversationState: ConversationState{
			ChatTriggerType: TriggerManual,
			ConversationID:  c.ConversationID,
			CurrentMessage: CurrentMessage{
				UserInputMessage: userMessage(current, c.ModelID),
			},
		},
		ProfileARN: c.ProfileARN,
	}

	if len(tools) > 0 {
		msg := &req.ConversationState.CurrentMessage.UserInputMessage
		if msg.UserInputMessageContext == nil {
			msg.UserInputMessageContext = &UserInputMessageContext{}
		}
		msg.UserInputMessageContext.Tools = tools
	}

	for _, t := range history {
		if t.Role == "user" {
			m := userMessage(t, c.ModelID)
			req.ConversationState.History = append(req.ConversationState.History, HistoryMessage{UserInputMessage: &m})
			continue
		}
		text := t.Text
		if text == "" {
			text = placeholderAssistant
		}
		req.ConversationState.History = append(req.ConversationState.History, HistoryMessage{
			AssistantResponseMessage: &AssistantResponseMessage{Content: text, ToolUses: t.ToolUses},
		})
	}
	return req
}

func joinSystem(system, content string) string {
	if content == "" {
		return system
	}
	return system + "\n\n" + content
}

func userMessage(t Turn, modelID string) UserInputMessage {
	text := t.Text
	results := dedupeToolResults(t.ToolResults)
	if text == "" {
		if len(results) > 0 {
			text = placeholderToolResults
		} else {
			text = placeholderContinue
		}
	}
	m := UserInputMessage{
		Content: text,
		ModelID: modelID,
		Origin:  OriginAIEditor,
		Images:  t.Images,
	}
	if len(results) > 0 {
		m.UserInputMessageContext = &UserInputMessageContext{ToolResults: results}
	}
	return m
}

// fixAlternation makes history start with a user turn, alternate strictly,
// and end with an assistant turn. Consecutive user turns carrying tool
// results are merged; other gaps are filled with placeholder turns.
func fixAlternation(turns []Turn) []Turn {
	var fixed []Turn
	for _, t := range turns {
		last := len(fixed) - 1
		switch {
		case t.Role == "user" && last >= 0 && fixed[last].Role == "user":
			if len(t.ToolResults) > 0 {
				fixed[last] = mergeUser(fixed[last], t)
				continue
			}
			fixed = append(fixed, Turn{Role: "assistant", Text: placeholderAssistant})
		case t.Role == "assistant" && (last < 0 || fixed[last].Role == "assistant"):
			fixed = append(fixed, Turn{Role: "user", Text: placeholderContinue})
		}
		fixed = append(fixed, t)
	}
	if n := len(fixed); n > 0 && fixed[n-1].Role == "user" {
		fixed = append(fixed, Turn{Role: "assistant", Text: placeholderAssistant})
	}
	return fixed
}

func mergeUser(a, b Turn) Turn {
	out := Turn{Role: "user"}
	switch {
	case a.Text == "":
		out.Text = b.Text
	case b.Text == "":
		out.Text = a.Text
	default:
		out.Text = a.Text + "\n\n" + b.Text
	}
	out.Images = append(append([]Image(nil), a.Images...), b.Images...)
	out.ToolResults = append(append([]ToolResult(nil), a.ToolResults...), b.ToolResults...)
	return out
}

func dedupeToolResults(results []ToolResult) []ToolResult {
	if len(results) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(results))
	out := make([]ToolResult, 0, len(results))
	for _, r := range results {
		if seen[r.ToolUseID] {
			continue
		}
		seen[r.ToolUseID] = true
		out = append(out, r)
	}
	return out
}

func convertTools(defs []FunctionDef) []Tool {
	var tools []Tool
	for _, d := range defs {
		if d.WebSearch {
			tools = append(tools, Tool{Type: ToolTypeWebSearch})
			continue
		}

		schema := d.Schema
		if len(schema) == 0 || string(schema) == "null" {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		desc := d.Description
		if desc == "" {
			desc = "Tool: " + d.Name
		}
		if r := []rune(desc); len(r) > maxToolDescription {
			desc = string(r[:maxToolDescription-3]) + "..."
		}
		tools = append(tools, Tool{ToolSpecification: &ToolSpecification{
			Name:        d.Name,
			Description: desc,
			InputSchema: InputSchema{JSON: schema},
		}})
	}
	return tools
}
