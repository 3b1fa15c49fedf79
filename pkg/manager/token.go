package manager

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Join roles
const (
	RoleServer   = "server"
	RoleDataNode = "datanode"
)

// DefaultTokenTTL is how long a join token stays valid
const DefaultTokenTTL = 24 * time.Hour

var (
	ErrInvalidToken = errors.New("invalid join token")
	ErrTokenExpired = errors.New("join token expired")
)

// TokenManager manages join tokens for the cluster. Tokens live in the
// memory of the leader that issued them.
type TokenManager struct {
	tokens map[string]*JoinToken
	mu     sync.RWMutex
	now    func() time.Time
}

// JoinToken represents a token for joining the cluster
type JoinToken struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Voter reports whether members joining with this token vote in raft
func (t *JoinToken) Voter() bool {
	return t.Role == RoleServer
}

// NewTokenManager creates a new token manager
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*JoinToken),
		now:    time.Now,
	}
}

// GenerateToken generates a new join token
func (tm *TokenManager) GenerateToken(role string, ttl time.Duration) (*JoinToken, error) {
	if role != RoleServer && role != RoleDataNode {
		return nil, fmt.Errorf("unknown join role %q", role)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate random token: %w", err)
	}

	now := tm.now()
	jt := &JoinToken{
		ID:        uuid.NewString(),
		Token:     hex.EncodeToString(secret),
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	tm.mu.Lock()
	tm.tokens[jt.Token] = jt
	tm.mu.Unlock()

	return jt, nil
}

// ValidateToken validates a join token and returns it
func (tm *TokenManager) ValidateToken(token string) (*JoinToken, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	var found *JoinToken
	for candidate, jt := range tm.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			found = jt
		}
	}
	if found == nil {
		return nil, ErrInvalidToken
	}
	if tm.now().After(found.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	return found, nil
}

// RevokeToken revokes a join token
func (tm *TokenManager) RevokeToken(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// CleanupExpiredTokens removes expired tokens and returns how many were dropped
func (tm *TokenManager) CleanupExpiredTokens() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := tm.now()
	removed := 0
	for token, jt := range tm.tokens {
		if now.After(jt.ExpiresAt) {
			delete(tm.tokens, token)
			removed++
		}
	}
	return removed
}

// ListTokens returns all tokens without their secrets
func (tm *TokenManager) ListTokens() []*JoinToken {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	tokens := make([]*JoinToken, 0, len(tm.tokens))
	for _, jt := range tm.tokens {
		redacted := *jt
		redacted.Token = ""
		tokens = append(tokens, &redacted)
	}

	return tokens
}
