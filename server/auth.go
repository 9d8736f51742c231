package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/errors"
)

// Authenticator resolves a credential to a user id
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (string, error)
}

// StaticTokens authenticates against the server.tokens config section.
// Reload swaps the table in place so a config change takes effect for the
// next request.
type StaticTokens struct {
	mu     sync.RWMutex
	tokens []am.TokenConfig
}

// NewStaticTokens creates a StaticTokens from config entries
func NewStaticTokens(tokens []am.TokenConfig) *StaticTokens {
	s := &StaticTokens{}
	s.Reload(tokens)
	return s
}

// Reload replaces the token table. Entries without a token or user are skipped.
func (s *StaticTokens) Reload(tokens []am.TokenConfig) {
	valid := make([]am.TokenConfig, 0, len(tokens))
	for _, t := range tokens {
		if t.Token != "" && t.UserID != "" {
			valid = append(valid, t)
		}
	}
	s.mu.Lock()
	s.tokens = valid
	s.mu.Unlock()
}

// Len returns the number of configured tokens
func (s *StaticTokens) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// Authenticate implements Authenticator
func (s *StaticTokens) Authenticate(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", errors.Mark(errors.New("missing credential"), errors.ErrUnauthorized)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(t.Token), []byte(credential)) == 1 {
			return t.UserID, nil
		}
	}
	return "", errors.Mark(errors.New("invalid credential"), errors.ErrUnauthorized)
}

// credentialFrom extracts a bearer token from the Authorization header, or
// from the token query parameter for browser WebSocket clients that cannot
// set headers.
func credentialFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

type userKey struct{}

func withUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// userFrom returns the authenticated user of a request
func userFrom(ctx context.Context) string {
	userID, _ := ctx.Value(userKey{}).(string)
	return userID
}
