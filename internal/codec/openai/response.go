package openai

import (
	"encoding/json"

	"github.com/smilit/proxycast-sub002/internal/api/openai"
	"github.com/smilit/proxycast-sub002/internal/backend/kiro"
	"github.com/smilit/proxycast-sub002/internal/core/stream"
	"github.com/smilit/proxycast-sub002/internal/pkg/codec"
)

// FinishReason maps a normalized stop reason to a Chat Completions
// finish_reason. raw is non-empty only for reasons outside the OpenAI
// vocabulary, which are reported as "stop".
func FinishReason(r stream.StopReason) (reason, raw string) {
	switch r.Kind {
	case stream.StopEndTurn, stream.StopStopSequence:
		return "stop", ""
	case stream.StopMaxTokens:
		return "length", ""
	case stream.StopToolUse:
		return "tool_calls", ""
	}
	return "stop", r.Raw
}

// TranslateResponse renders an aggregated backend reply as a
// chat.completion body.
func (c *Codec) TranslateResponse(resp *kiro.Response, info *codec.RequestInfo) ([]byte, error) {
	msg := openai.ResponseMessage{Role: "assistant"}
	if resp.Content != "" || len(resp.ToolCalls) == 0 {
		content := resp.Content
		msg.Content = &content
	}
	for _, tc := range resp.ToolCalls {
		args := tc.Arguments
		if args == "" {
			args = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: openai.FunctionCall{Name: tc.Name, Arguments: args},
		})
	}

	stop := resp.StopReason
	if stop.IsZero() {
		stop = stream.EndTurn
		if len(resp.ToolCalls) > 0 {
			stop = stream.ToolUse
		}
	}
	reason, raw := FinishReason(stop)

	out := openai.ChatCompletionResponse{
		ID:      info.MessageID,
		Object:  "chat.completion",
		Created: info.Created,
		Model:   info.Model,
		Choices: []openai.Choice{{
			Index:         0,
			Message:       msg,
			FinishReason:  reason,
			StopReasonRaw: raw,
		}},
		Usage: chatUsage(resp.Usage),
	}
	return json.Marshal(out)
}

// chatUsage copies backend usage. Missing usage is reported as zeros.
func chatUsage(u *stream.Usage) *openai.Usage {
	if u == nil {
		return &openai.Usage{}
	}
	out := &openai.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
	if u.CacheReadTokens != nil {
		out.PromptTokensDetails = &openai.PromptTokensDetails{CachedTokens: *u.CacheReadTokens}
	}
	return out
}
