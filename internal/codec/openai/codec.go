// Package openai implements the OpenAI Chat Completions protocol on top of
// the backend.
package openai

import (
	"github.com/smilit/proxycast-sub002/internal/backend/kiro"
	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/pkg/codec"
)

// Codec implements codec.Protocol for OpenAI Chat Completions.
type Codec struct {
	models *kiro.ModelMap
}

var _ codec.Protocol = (*Codec)(nil)

// New creates a new OpenAI codec resolving models through models.
func New(models *kiro.ModelMap) *Codec {
	return &Codec{models: models}
}

// Name returns the protocol name.
func (c *Codec) Name() domain.APIType {
	return domain.APITypeOpenAI
}

// NewGenerator returns an SSE generator for one response stream.
func (c *Codec) NewGenerator(info *codec.RequestInfo) codec.Generator {
	return NewGenerator(info.MessageID, info.Model, info.Created, info.IncludeUsage)
}
