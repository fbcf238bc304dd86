package openai

import (
	"encoding/json"

	"github.com/smilit/proxycast-sub002/internal/api/openai"
	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/pkg/codec"
)

// FormatError renders err as an OpenAI error envelope.
func (c *Codec) FormatError(err error) *codec.ErrorResponse {
	apiErr := domain.ToAPIError(err)
	body, _ := json.Marshal(openai.ErrorResponse{Error: toAPIError(apiErr)})
	return &codec.ErrorResponse{
		StatusCode: apiErr.HTTPStatusCode(),
		Body:       body,
	}
}

func toAPIError(apiErr *domain.APIError) openai.APIError {
	out := openai.APIError{
		Message: apiErr.Message,
		Type:    errorType(apiErr.Type),
	}
	if apiErr.Code != "" {
		code := string(apiErr.Code)
		out.Code = &code
	}
	if apiErr.Param != "" {
		param := apiErr.Param
		out.Param = &param
	}
	return out
}

func errorType(t domain.ErrorType) string {
	switch t {
	case domain.ErrorTypeInvalidRequest, domain.ErrorTypeNotFound:
		return "invalid_request_error"
	case domain.ErrorTypeAuthentication:
		return "authentication_error"
	case domain.ErrorTypePermission:
		return "permission_error"
	case domain.ErrorTypeRateLimit:
		return "rate_limit_error"
	case domain.ErrorTypeTimeout:
		return "timeout_error"
	default:
		return "server_error"
	}
}
