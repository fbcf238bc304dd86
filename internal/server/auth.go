package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingAPIKey = errors.New("missing API key")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// Authenticator checks client API keys against a set of SHA-256 hashes.
type Authenticator struct {
	hashes [][]byte
}

// NewAuthenticator creates an authenticator for the given hex-encoded key
// hashes. It returns nil when hashes is empty, which disables auth.
func NewAuthenticator(hashes []string) (*Authenticator, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	a := &Authenticator{}
	for _, h := range hashes {
		raw, err := hex.DecodeString(strings.TrimSpace(h))
		if err != nil || len(raw) != sha256.Size {
			return nil, errors.New("api key hash must be a hex-encoded SHA-256 digest")
		}
		a.hashes = append(a.hashes, raw)
	}
	return a, nil
}

// Validate reports whether apiKey matches one of the configured hashes.
func (a *Authenticator) Validate(apiKey string) error {
	if apiKey == "" {
		return ErrMissingAPIKey
	}
	sum := sha256.Sum256([]byte(apiKey))
	match := 0
	for _, h := range a.hashes {
		match |= subtle.ConstantTimeCompare(sum[:], h)
	}
	if match != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}

// HashAPIKey returns the hex SHA-256 digest stored in configuration.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// ExtractAPIKey reads the client key from either the OpenAI style
// Authorization bearer header or the Anthropic style x-api-key header.
func ExtractAPIKey(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// AuthMiddleware rejects requests without a valid API key. A nil
// authenticator disables the check.
func AuthMiddleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := a.Validate(ExtractAPIKey(r)); err != nil {
				AddError(r.Context(), err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				// Both client dialects read error.message.
				w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"` + err.Error() + `"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
