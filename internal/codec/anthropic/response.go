package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/smilit/proxycast-sub002/internal/api/anthropic"
	"github.com/smilit/proxycast-sub002/internal/backend/kiro"
	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/core/stream"
	"github.com/smilit/proxycast-sub002/internal/pkg/codec"
)

// StopReason maps a normalized stop reason to the Anthropic vocabulary.
// Unrecognized backend reasons pass through verbatim, since the Anthropic
// schema treats stop_reason as an open string.
func StopReason(r stream.StopReason) string {
	switch r.Kind {
	case stream.StopEndTurn:
		return "end_turn"
	case stream.StopMaxTokens:
		return "max_tokens"
	case stream.StopToolUse:
		return "tool_use"
	case stream.StopStopSequence:
		return "stop_sequence"
	case stream.StopOther:
		if r.Raw != "" {
			return r.Raw
		}
	}
	return "end_turn"
}

// TranslateResponse renders an aggregated backend reply as a Messages API
// response body.
func (c *Codec) TranslateResponse(resp *kiro.Response, info *codec.RequestInfo) ([]byte, error) {
	content := make([]anthropic.ResponseContent, 0, 1+len(resp.ToolCalls))
	if resp.Content != "" {
		text := resp.Content
		content = append(content, anthropic.ResponseContent{Type: "text", Text: &text})
	}
	for i, tc := range resp.ToolCalls {
		input, err := toolInput(tc.Arguments)
		if err != nil {
			return nil, domain.ErrSchemaMismatch(fmt.Sprintf("tool_calls[%d].arguments", i), "backend returned invalid tool input", err)
		}
		content = append(content, anthropic.ResponseContent{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: input,
		})
	}

	stop := resp.StopReason
	if stop.IsZero() {
		stop = stream.EndTurn
		if len(resp.ToolCalls) > 0 {
			stop = stream.ToolUse
		}
	}
	reason := StopReason(stop)

	out := anthropic.MessagesResponse{
		ID:         info.MessageID,
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      info.Model,
		StopReason: &reason,
		Usage:      messagesUsage(resp.Usage),
	}
	return json.Marshal(out)
}

func toolInput(arguments string) (json.RawMessage, error) {
	if arguments == "" {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid([]byte(arguments)) {
		return nil, fmt.Errorf("invalid JSON: %q", arguments)
	}
	return json.RawMessage(arguments), nil
}

// messagesUsage copies backend usage. Missing usage stays zero.
func messagesUsage(u *stream.Usage) anthropic.MessagesUsage {
	if u == nil {
		return anthropic.MessagesUsage{}
	}
	return anthropic.MessagesUsage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheReadInputTokens:     u.CacheReadTokens,
		CacheCreationInputTokens: u.CacheWriteTokens,
	}
}
