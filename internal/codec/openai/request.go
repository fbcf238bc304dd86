package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smilit/proxycast-sub002/internal/api/openai"
	"github.com/smilit/proxycast-sub002/internal/backend/kiro"
	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/pkg/codec"
)

// TranslateRequest converts a Chat Completions request body into a backend
// request.
//
// system and developer messages are joined into the system prompt. tool
// messages become tool results on the surrounding user turn. Sampling
// parameters are recorded in RequestInfo only.
func (c *Codec) TranslateRequest(body []byte, opts codec.RequestOptions) (*kiro.Request, *codec.RequestInfo, error) {
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, domain.ErrSchemaMismatch("body", "invalid chat completion request", err)
	}
	if err := checkSupported(&req); err != nil {
		return nil, nil, err
	}

	var system []string
	var turns []kiro.Turn
	for i, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			if text := msg.Content.Text(); text != "" {
				system = append(system, text)
			}

		case "user":
			turn, err := userTurn(i, msg)
			if err != nil {
				return nil, nil, err
			}
			turns = appendUser(turns, turn)

		case "tool":
			turns = appendUser(turns, kiro.Turn{
				Role: "user",
				ToolResults: []kiro.ToolResult{{
					Content:   []kiro.ToolResultContent{{Text: msg.Content.Text()}},
					Status:    kiro.StatusSuccess,
					ToolUseID: msg.ToolCallID,
				}},
			})

		case "assistant":
			turn, err := assistantTurn(i, msg)
			if err != nil {
				return nil, nil, err
			}
			turns = append(turns, turn)

		default:
			return nil, nil, domain.ErrSchemaMismatch(fmt.Sprintf("messages[%d].role", i), "unknown role "+msg.Role, nil)
		}
	}
	if len(turns) == 0 {
		return nil, nil, domain.ErrSchemaMismatch("messages", "at least one user or assistant message is required", nil)
	}

	tools, err := convertTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}

	force := false
	if req.ToolChoice != nil {
		switch {
		case req.ToolChoice.Mode == "none":
			tools = nil
		case req.ToolChoice.Mode == "required", req.ToolChoice.Function != "":
			force = true
		}
	}

	backendModel := c.models.Resolve(req.Model)
	out := kiro.BuildRequest(kiro.Conversation{
		ConversationID: opts.ConversationID,
		ProfileARN:     opts.ProfileARN,
		ModelID:        backendModel,
		System:         strings.Join(system, "\n"),
		ForceTool:      force,
		Turns:          turns,
		Tools:          tools,
	})

	maxTokens := req.MaxCompletionTokens
	if maxTokens == 0 {
		maxTokens = req.MaxTokens
	}
	info := &codec.RequestInfo{
		MessageID:    opts.MessageID,
		Model:        req.Model,
		BackendModel: backendModel,
		Stream:       req.Stream,
		IncludeUsage: req.StreamOptions != nil && req.StreamOptions.IncludeUsage,
		Created:      opts.Created,
		MaxTokens:    maxTokens,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		Stop:         req.Stop,
	}
	return out, info, nil
}

func checkSupported(req *openai.ChatCompletionRequest) error {
	if len(req.Messages) == 0 {
		return domain.ErrSchemaMismatch("messages", "at least one message is required", nil)
	}
	if req.N > 1 {
		return domain.ErrUnsupported("n", "only one choice per request is supported")
	}
	if req.Logprobs {
		return domain.ErrUnsupported("logprobs", "log probabilities are not available from the backend")
	}
	if rf := req.ResponseFormat; rf != nil && rf.Type != "" && rf.Type != "text" {
		return domain.ErrUnsupported("response_format.type", "unsupported response format "+rf.Type)
	}
	return nil
}

func userTurn(i int, msg openai.ChatCompletionMessage) (kiro.Turn, error) {
	turn := kiro.Turn{Role: "user"}
	var texts []string
	for j, part := range msg.Content {
		field := fmt.Sprintf("messages[%d].content[%d]", i, j)
		switch part.Type {
		case "text", "":
			if part.Text != "" {
				texts = append(texts, part.Text)
			}
		case "image_url":
			if part.ImageURL == nil {
				return kiro.Turn{}, domain.ErrSchemaMismatch(field+".image_url", "image_url is required", nil)
			}
			img, err := convertImageURL(field+".image_url.url", part.ImageURL.URL)
			if err != nil {
				return kiro.Turn{}, err
			}
			turn.Images = append(turn.Images, img)
		default:
			return kiro.Turn{}, domain.ErrUnsupported(field+".type", "unsupported content part type "+part.Type)
		}
	}
	turn.Text = strings.Join(texts, "\n")
	return turn, nil
}

func assistantTurn(i int, msg openai.ChatCompletionMessage) (kiro.Turn, error) {
	turn := kiro.Turn{Role: "assistant", Text: msg.Content.Text()}
	for j, tc := range msg.ToolCalls {
		input := json.RawMessage(`{}`)
		if args := strings.TrimSpace(tc.Function.Arguments); args != "" {
			if !json.Valid([]byte(args)) {
				return kiro.Turn{}, domain.ErrSchemaMismatch(
					fmt.Sprintf("messages[%d].tool_calls[%d].function.arguments", i, j), "arguments are not valid JSON", nil)
			}
			input = json.RawMessage(args)
		}
		turn.ToolUses = append(turn.ToolUses, kiro.ToolUse{
			Input:     input,
			Name:      tc.Function.Name,
			ToolUseID: tc.ID,
		})
	}
	return turn, nil
}

// appendUser merges consecutive user-side turns, which Chat Completions
// allows but the backend does not.
func appendUser(turns []kiro.Turn, t kiro.Turn) []kiro.Turn {
	n := len(turns)
	if n == 0 || turns[n-1].Role != "user" {
		return append(turns, t)
	}
	last := &turns[n-1]
	switch {
	case last.Text == "":
		last.Text = t.Text
	case t.Text != "":
		last.Text += "\n\n" + t.Text
	}
	last.Images = append(last.Images, t.Images...)
	last.ToolResults = append(last.ToolResults, t.ToolResults...)
	return turns
}

func convertTools(tools []openai.Tool) ([]kiro.FunctionDef, error) {
	if len(tools) > kiro.MaxFunctionTools {
		return nil, domain.ErrUnsupported("tools", fmt.Sprintf("at most %d function tools are supported, got %d", kiro.MaxFunctionTools, len(tools)))
	}
	defs := make([]kiro.FunctionDef, 0, len(tools))
	for i, t := range tools {
		if t.Type != "function" {
			return nil, domain.ErrUnsupported(fmt.Sprintf("tools[%d].type", i), "unsupported tool type "+t.Type)
		}
		if t.Function.Name == "" {
			return nil, domain.ErrSchemaMismatch(fmt.Sprintf("tools[%d].function.name", i), "function name is required", nil)
		}
		defs = append(defs, kiro.FunctionDef{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Schema:      t.Function.Parameters,
		})
	}
	return defs, nil
}
