// Package auth abstracts bearer-token verification. The gateway only needs
// a caller identity and tier out of a token; issuing and validating tokens
// is someone else's job.
package auth

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned for tokens the verifier does not accept.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims is the subset of token claims the gateway consumes.
type Claims struct {
	Subject string // stable caller id, used as the per-user rate limit key
	Tier    string // subscription tier, e.g. "premium"
}

// Verifier checks a bearer token and returns its claims or fails.
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// Static maps known tokens to claims. Useful for tests and local setups.
type Static struct {
	tokens map[string]Claims
}

func NewStatic(tokens map[string]Claims) *Static {
	return &Static{tokens: tokens}
}

func (s *Static) Verify(_ context.Context, token string) (Claims, error) {
	if c, ok := s.tokens[token]; ok {
		return c, nil
	}
	return Claims{}, ErrInvalidToken
}

// Nop rejects every token; caller identity falls back to IP or API key.
type Nop struct{}

func (Nop) Verify(context.Context, string) (Claims, error) {
	return Claims{}, ErrInvalidToken
}
