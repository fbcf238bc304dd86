package anthropic

import (
	"encoding/json"

	"github.com/smilit/proxycast-sub002/internal/api/anthropic"
	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/pkg/codec"
)

// FormatError renders err as an Anthropic error envelope.
func (c *Codec) FormatError(err error) *codec.ErrorResponse {
	apiErr := domain.ToAPIError(err)
	body, _ := json.Marshal(anthropic.ErrorResponse{
		Type: "error",
		Error: anthropic.APIError{
			Type:    errorType(apiErr.Type),
			Message: apiErr.Message,
		},
	})
	return &codec.ErrorResponse{
		StatusCode: apiErr.HTTPStatusCode(),
		Body:       body,
	}
}

func errorType(t domain.ErrorType) string {
	switch t {
	case domain.ErrorTypeInvalidRequest:
		return "invalid_request_error"
	case domain.ErrorTypeAuthentication:
		return "authentication_error"
	case domain.ErrorTypePermission:
		return "permission_error"
	case domain.ErrorTypeNotFound:
		return "not_found_error"
	case domain.ErrorTypeRateLimit:
		return "rate_limit_error"
	case domain.ErrorTypeOverloaded:
		return "overloaded_error"
	case domain.ErrorTypeTimeout:
		return "timeout_error"
	default:
		return "api_error"
	}
}
