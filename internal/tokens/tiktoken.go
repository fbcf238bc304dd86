package tokens

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Per-message and per-tool framing overhead used by OpenAI chat models.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	tokensPerToolUse = 3
	tokensPerResult  = 2
	tokensPerTool    = 7
	assistantPriming = 3
)

// TiktokenCounter counts with tiktoken encodings. OpenAI models get their
// own encoding; Claude models are counted with o200k_base and the result is
// flagged as an estimate.
type TiktokenCounter struct {
	openai *ModelMatcher
	claude *ModelMatcher

	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{
		openai: NewModelMatcher(
			[]string{"gpt-", "o1", "o3", "o4", "text-embedding"},
			nil,
		),
		claude: NewModelMatcher([]string{"claude-"}, nil),
		codecs: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

func (c *TiktokenCounter) SupportsModel(model string) bool {
	return c.openai.Matches(model) || c.claude.Matches(model)
}

func (c *TiktokenCounter) CountTokens(ctx context.Context, req *Request) (*Result, error) {
	codec, err := c.codec(modelToEncoding(req.Model))
	if err != nil {
		return nil, err
	}
	count := func(s string) int {
		if s == "" {
			return 0
		}
		ids, _, _ := codec.Encode(s)
		return len(ids)
	}

	total := 0
	if req.System != "" {
		total += tokensPerMessage + tokensPerRole + count(req.System)
	}

	for _, msg := range req.Messages {
		total += tokensPerMessage + tokensPerRole
		for _, part := range msg.Parts {
			switch part.Kind {
			case PartText:
				total += count(part.Text)
			case PartToolUse:
				total += count(part.Name) + count(string(part.Input)) + tokensPerToolUse
			case PartToolResult:
				total += count(part.Text) + tokensPerResult
			}
		}
	}

	for _, tool := range req.Tools {
		total += count(tool.Name) + count(tool.Description) + count(string(tool.Schema)) + tokensPerTool
	}
	total += assistantPriming

	return &Result{
		InputTokens: total,
		Model:       req.Model,
		Estimated:   !c.openai.Matches(req.Model),
	}, nil
}

// CountText counts tokens in a plain string.
func (c *TiktokenCounter) CountText(model, text string) (int, error) {
	codec, err := c.codec(modelToEncoding(model))
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (c *TiktokenCounter) codec(encoding tokenizer.Encoding) (tokenizer.Codec, error) {
	c.mu.RLock()
	cached, ok := c.codecs[encoding]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding %s: %w", encoding, err)
	}

	c.mu.Lock()
	c.codecs[encoding] = codec
	c.mu.Unlock()
	return codec, nil
}

// modelToEncoding picks the tiktoken encoding for a model name.
//
//   - o200k_base: gpt-4o, gpt-4.1, gpt-5, o-series and everything unknown
//   - cl100k_base: gpt-4, gpt-3.5-turbo, text-embedding-*
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}
