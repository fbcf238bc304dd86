// Package credentials holds the backend credentials a request may fail over
// across.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/smilit/proxycast-sub002/internal/config"
)

// ErrNoCredentials is returned when no credential is configured.
var ErrNoCredentials = errors.New("no backend credentials configured")

// Credential is one backend identity. ProxyURL, when set, overrides the
// global proxy for calls made with this credential.
type Credential struct {
	ID         string
	Token      string
	ProfileARN string
	ProxyURL   string
}

// Store returns the ordered credentials to try for a request.
type Store interface {
	Credentials(ctx context.Context) ([]Credential, error)
}

// Pool is an immutable, ordered credential list shared by all requests.
type Pool struct {
	creds []Credential
	byID  map[string]Credential
}

var _ Store = (*Pool)(nil)

// NewPool creates a pool. IDs must be unique and every credential needs a
// token.
func NewPool(creds []Credential) (*Pool, error) {
	p := &Pool{
		creds: make([]Credential, 0, len(creds)),
		byID:  make(map[string]Credential, len(creds)),
	}
	for i, c := range creds {
		if c.ID == "" {
			c.ID = fmt.Sprintf("credential-%d", i+1)
		}
		if c.Token == "" {
			return nil, fmt.Errorf("credential %s: token is required", c.ID)
		}
		if _, dup := p.byID[c.ID]; dup {
			return nil, fmt.Errorf("credential %s: duplicate id", c.ID)
		}
		p.creds = append(p.creds, c)
		p.byID[c.ID] = c
	}
	return p, nil
}

// LoadPool builds a pool from configuration.
func LoadPool(cfgs []config.CredentialConfig) (*Pool, error) {
	creds := make([]Credential, len(cfgs))
	for i, c := range cfgs {
		creds[i] = Credential{
			ID:         c.ID,
			Token:      c.Token,
			ProfileARN: c.ProfileARN,
			ProxyURL:   c.ProxyURL,
		}
	}
	pool, err := NewPool(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	return pool, nil
}

// Credentials returns a copy of the pool in configured order.
func (p *Pool) Credentials(ctx context.Context) ([]Credential, error) {
	if len(p.creds) == 0 {
		return nil, ErrNoCredentials
	}
	out := make([]Credential, len(p.creds))
	copy(out, p.creds)
	return out, nil
}

// Get retrieves a credential by ID.
func (p *Pool) Get(id string) (Credential, bool) {
	c, ok := p.byID[id]
	return c, ok
}

// Len returns the number of credentials.
func (p *Pool) Len() int {
	return len(p.creds)
}
