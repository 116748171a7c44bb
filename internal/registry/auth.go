package registry

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
)

// Authentication errors.
var (
	ErrInvalidToken = errors.New("invalid registration token")
)

// TokenValidator resolves a shared registration token to its issuing user.
// Token issuance itself happens outside the coordinator.
type TokenValidator interface {
	// Validate returns the owner user id for a token, or ErrInvalidToken.
	Validate(ctx context.Context, token string) (string, error)
}

// StaticTokens validates against a fixed token -> owner map.
type StaticTokens struct {
	mu     sync.RWMutex
	owners map[string]string
}

// NewStaticTokens creates a validator over a token -> owner-user-id map.
func NewStaticTokens(owners map[string]string) *StaticTokens {
	m := make(map[string]string, len(owners))
	for token, owner := range owners {
		m[token] = owner
	}
	return &StaticTokens{owners: m}
}

// Validate resolves a token using constant-time comparison.
func (s *StaticTokens) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for candidate, owner := range s.owners {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return owner, nil
		}
	}
	return "", ErrInvalidToken
}

// Add registers a token at runtime.
func (s *StaticTokens) Add(token, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[token] = owner
}

// Remove revokes a token.
func (s *StaticTokens) Remove(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owners, token)
}
