// Package kiro implements the CodeWhisperer ("Kiro") backend: its request
// schema, the binary event-stream response parser, and an HTTP client.
package kiro

import (
	"encoding/json"

	"github.com/smilit/proxycast-sub002/internal/core/stream"
)

// Request is the body of a generateAssistantResponse call.
type Request struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileARN        string            `json:"profileArn,omitempty"`
}

// ConversationState carries the current turn and prior history.
type ConversationState struct {
	ChatTriggerType string           `json:"chatTriggerType"`
	ConversationID  string           `json:"conversationId"`
	CurrentMessage  CurrentMessage   `json:"currentMessage"`
	History         []HistoryMessage `json:"history,omitempty"`
}

// CurrentMessage wraps the user turn being answered.
type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// UserInputMessage is a user turn.
type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin"`
	Images                  []Image                  `json:"images,omitempty"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

// UserInputMessageContext carries tool definitions and tool results.
type UserInputMessageContext struct {
	Tools       []Tool       `json:"tools,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

// Image is an inline base64 image.
type Image struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

// ImageSource holds base64-encoded image bytes.
type ImageSource struct {
	Bytes string `json:"bytes"`
}

// Tool is either a function specification or a built-in tool selected by
// Type (e.g. "web_search").
type Tool struct {
	ToolSpecification *ToolSpecification `json:"toolSpecification,omitempty"`
	Type              string             `json:"type,omitempty"`
}

// ToolSpecification describes a callable function.
type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema wraps a JSON schema.
type InputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// ToolResult returns the output of a tool call to the model.
type ToolResult struct {
	Content   []ToolResultContent `json:"content"`
	Status    string              `json:"status"`
	ToolUseID string              `json:"toolUseId"`
}

// ToolResultContent is one text fragment of a tool result.
type ToolResultContent struct {
	Text string `json:"text"`
}

// HistoryMessage is one prior turn; exactly one field is set.
type HistoryMessage struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// AssistantResponseMessage is a prior assistant turn.
type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

// ToolUse is a tool invocation recorded in history.
type ToolUse struct {
	Input     json.RawMessage `json:"input"`
	Name      string          `json:"name"`
	ToolUseID string          `json:"toolUseId"`
}

const (
	TriggerManual     = "MANUAL"
	OriginAIEditor    = "AI_EDITOR"
	StatusSuccess     = "success"
	StatusError       = "error"
	ToolTypeWebSearch = "web_search"
)

// Response is a complete, non-streaming view of one backend reply, folded
// from its event stream by Aggregate.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	Usage      *stream.Usage
	StopReason stream.StopReason
}

// ToolCall is an assembled tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}
