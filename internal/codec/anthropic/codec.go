// Package anthropic implements the Anthropic Messages protocol on top of the
// backend: request translation, response translation, and SSE generation.
package anthropic

import (
	"github.com/smilit/proxycast-sub002/internal/backend/kiro"
	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/pkg/codec"
)

// Codec implements codec.Protocol for the Anthropic Messages API.
type Codec struct {
	models *kiro.ModelMap
}

var _ codec.Protocol = (*Codec)(nil)

// New creates a new Anthropic codec resolving models through models.
func New(models *kiro.ModelMap) *Codec {
	return &Codec{models: models}
}

// Name returns the protocol name.
func (c *Codec) Name() domain.APIType {
	return domain.APITypeAnthropic
}

// NewGenerator returns an SSE generator for one response stream.
func (c *Codec) NewGenerator(info *codec.RequestInfo) codec.Generator {
	return NewGenerator(info.MessageID, info.Model)
}
