package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smilit/proxycast-sub002/internal/api/anthropic"
	"github.com/smilit/proxycast-sub002/internal/backend/kiro"
	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/pkg/codec"
)

// TranslateRequest converts an Anthropic Messages request body into a
// backend request.
//
// Field mapping notes:
//   - system blocks are joined and folded into the first user turn
//   - tool_choice any/tool becomes a prompt instruction; none drops the tools
//   - temperature, top_p, top_k, max_tokens and stop_sequences have no
//     backend equivalent and are recorded in RequestInfo only
//   - thinking blocks in assistant history are prior reasoning and are dropped
//   - tool_result content may only hold text; image blocks inside it are
//     rejected since backend tool results carry text only
//   - metadata is dropped
func (c *Codec) TranslateRequest(body []byte, opts codec.RequestOptions) (*kiro.Request, *codec.RequestInfo, error) {
	var req anthropic.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, domain.ErrSchemaMismatch("body", "invalid Anthropic messages request", err)
	}
	if len(req.Messages) == 0 {
		return nil, nil, domain.ErrSchemaMismatch("messages", "at least one message is required", nil)
	}
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		return nil, nil, domain.ErrUnsupported("thinking", "extended thinking is not supported by the backend")
	}

	system, err := systemText(req.System)
	if err != nil {
		return nil, nil, err
	}

	turns := make([]kiro.Turn, 0, len(req.Messages))
	for i, msg := range req.Messages {
		turn, err := convertMessage(i, msg)
		if err != nil {
			return nil, nil, err
		}
		turns = append(turns, turn)
	}

	tools, err := convertTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}

	force := false
	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "any", "tool":
			force = true
		case "none":
			tools = nil
		}
	}

	backendModel := c.models.Resolve(req.Model)
	out := kiro.BuildRequest(kiro.Conversation{
		ConversationID: opts.ConversationID,
		ProfileARN:     opts.ProfileARN,
		ModelID:        backendModel,
		System:         system,
		ForceTool:      force,
		Turns:          turns,
		Tools:          tools,
	})

	info := &codec.RequestInfo{
		MessageID:    opts.MessageID,
		Model:        req.Model,
		BackendModel: backendModel,
		Stream:       req.Stream,
		IncludeUsage: true,
		Created:      opts.Created,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		Stop:         req.StopSequences,
	}
	return out, info, nil
}

func systemText(blocks anthropic.SystemMessages) (string, error) {
	var parts []string
	for i, b := range blocks {
		if b.Type != "" && b.Type != "text" {
			return "", domain.ErrUnsupported(fmt.Sprintf("system[%d].type", i), "unsupported system block type "+b.Type)
		}
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func convertMessage(i int, msg anthropic.Message) (kiro.Turn, error) {
	if msg.Role != "user" && msg.Role != "assistant" {
		return kiro.Turn{}, domain.ErrSchemaMismatch(fmt.Sprintf("messages[%d].role", i), "unknown role "+msg.Role, nil)
	}

	turn := kiro.Turn{Role: msg.Role}
	var texts []string
	for j, part := range msg.Content {
		field := fmt.Sprintf("messages[%d].content[%d]", i, j)
		switch part.Type {
		case "text", "":
			if part.Text != "" {
				texts = append(texts, part.Text)
			}

		case "image":
			if msg.Role != "user" {
				return kiro.Turn{}, domain.ErrSchemaMismatch(field, "images are only allowed in user messages", nil)
			}
			img, err := convertImage(field, part.Source)
			if err != nil {
				return kiro.Turn{}, err
			}
			turn.Images = append(turn.Images, img)

		case "tool_use":
			if msg.Role != "assistant" {
				return kiro.Turn{}, domain.ErrSchemaMismatch(field, "tool_use is only allowed in assistant messages", nil)
			}
			input := part.Input
			if len(input) == 0 || string(input) == "null" {
				input = json.RawMessage(`{}`)
			}
			turn.ToolUses = append(turn.ToolUses, kiro.ToolUse{Input: input, Name: part.Name, ToolUseID: part.ID})

		case "tool_result":
			if msg.Role != "user" {
				return kiro.Turn{}, domain.ErrSchemaMismatch(field, "tool_result is only allowed in user messages", nil)
			}
			if len(part.Content.NonText) > 0 {
				return kiro.Turn{}, domain.ErrUnsupported(field+".content",
					"tool_result content of type "+part.Content.NonText[0]+" is not supported")
			}
			status := kiro.StatusSuccess
			if part.IsError {
				status = kiro.StatusError
			}
			turn.ToolResults = append(turn.ToolResults, kiro.ToolResult{
				Content:   []kiro.ToolResultContent{{Text: part.Content.Text}},
				Status:    status,
				ToolUseID: part.ToolUseID,
			})

		case "thinking", "redacted_thinking":
			// Not replayed to the backend.

		default:
			return kiro.Turn{}, domain.ErrUnsupported(field+".type", "unsupported content block type "+part.Type)
		}
	}
	turn.Text = strings.Join(texts, "\n")
	return turn, nil
}

func convertImage(field string, src *anthropic.ImageSource) (kiro.Image, error) {
	if src == nil {
		return kiro.Image{}, domain.ErrSchemaMismatch(field+".source", "image source is required", nil)
	}
	if src.Type != "base64" {
		return kiro.Image{}, domain.ErrUnsupported(field+".source.type", "only base64 images are supported")
	}
	return kiro.Image{
		Format: strings.TrimPrefix(src.MediaType, "image/"),
		Source: kiro.ImageSource{Bytes: src.Data},
	}, nil
}

func convertTools(tools []anthropic.Tool) ([]kiro.FunctionDef, error) {
	defs := make([]kiro.FunctionDef, 0, len(tools))
	functions := 0
	for i, t := range tools {
		switch {
		case t.Name == "web_search" || strings.HasPrefix(t.Type, "web_search"):
			defs = append(defs, kiro.FunctionDef{Name: t.Name, WebSearch: true})
			continue
		case t.Type != "" && t.Type != "custom":
			return nil, domain.ErrUnsupported(fmt.Sprintf("tools[%d].type", i), "unsupported tool type "+t.Type)
		}
		functions++
		defs = append(defs, kiro.FunctionDef{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.InputSchema,
		})
	}
	if functions > kiro.MaxFunctionTools {
		return nil, domain.ErrUnsupported("tools", fmt.Sprintf("at most %d function tools are supported, got %d", kiro.MaxFunctionTools, functions))
	}
	return defs, nil
}
