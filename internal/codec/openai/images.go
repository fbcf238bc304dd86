package openai

import (
	"fmt"
	"strings"

	"github.com/smilit/proxycast-sub002/internal/backend/kiro"
	"github.com/smilit/proxycast-sub002/internal/core/domain"
)

// convertImageURL accepts base64 data URIs only. Fetching remote images
// would make translation depend on the network.
func convertImageURL(field, url string) (kiro.Image, error) {
	if !strings.HasPrefix(url, "data:") {
		return kiro.Image{}, domain.ErrUnsupported(field, "only base64 data URI images are supported")
	}
	mediaType, data, err := parseDataURL(url)
	if err != nil {
		return kiro.Image{}, domain.ErrSchemaMismatch(field, "invalid image data URI", err)
	}
	if !isSupportedMediaType(mediaType) {
		return kiro.Image{}, domain.ErrUnsupported(field, "unsupported image media type "+mediaType)
	}
	return kiro.Image{
		Format: strings.TrimPrefix(normalizeMediaType(mediaType), "image/"),
		Source: kiro.ImageSource{Bytes: data},
	}, nil
}

// parseDataURL splits data:image/jpeg;base64,/9j/4AAQ... into media type
// and payload.
func parseDataURL(url string) (mediaType, data string, err error) {
	content := strings.TrimPrefix(url, "data:")

	meta, data, ok := strings.Cut(content, ",")
	if !ok {
		return "", "", fmt.Errorf("missing comma separator")
	}

	parts := strings.Split(meta, ";")
	mediaType = parts[0]
	if mediaType == "" {
		return "", "", fmt.Errorf("missing media type")
	}

	isBase64 := false
	for _, p := range parts[1:] {
		if p == "base64" {
			isBase64 = true
			break
		}
	}
	if !isBase64 {
		return "", "", fmt.Errorf("data URL must be base64 encoded")
	}
	if data == "" {
		return "", "", fmt.Errorf("empty image data")
	}
	return mediaType, data, nil
}

func isSupportedMediaType(mediaType string) bool {
	switch normalizeMediaType(mediaType) {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return true
	default:
		return false
	}
}

func normalizeMediaType(mediaType string) string {
	main := strings.TrimSpace(strings.ToLower(strings.Split(mediaType, ";")[0]))
	if main == "image/jpg" {
		return "image/jpeg"
	}
	return main
}
