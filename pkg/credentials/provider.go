// Package credentials supplies bearer tokens to the REST and streaming
// clients. The client only stores and attaches tokens; issuing them is the
// server's job.
package credentials

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

// TokenProvider returns the current access token, or an error wrapping
// chat.ErrNoCredential when there is none.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// Refresher is implemented by providers that can obtain a fresh access token
// after the server rejected the current one.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Tokens is the persisted credential pair.
type Tokens struct {
	Access  string `yaml:"access"`
	Refresh string `yaml:"refresh,omitempty"`
}

// Static always returns the same token.
type Static string

func (s Static) AccessToken(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", chat.ErrNoCredential
	}
	return string(s), nil
}

// RefreshFunc exchanges a refresh token for a new pair.
type RefreshFunc func(ctx context.Context, refreshToken string) (Tokens, error)

// RefreshingProvider reads tokens from a Store and refreshes them when the
// access token is about to expire or when asked to by a caller that saw a 401.
type RefreshingProvider struct {
	store   Store
	refresh RefreshFunc
	skew    time.Duration
	now     func() time.Time

	mu sync.Mutex
}

var (
	_ TokenProvider = (*RefreshingProvider)(nil)
	_ Refresher     = (*RefreshingProvider)(nil)
)

func NewRefreshingProvider(store Store, refresh RefreshFunc) *RefreshingProvider {
	return &RefreshingProvider{
		store:   store,
		refresh: refresh,
		skew:    30 * time.Second,
		now:     time.Now,
	}
}

func (p *RefreshingProvider) AccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tokens, err := p.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(tokens.Access) == "" {
		return "", chat.ErrNoCredential
	}
	exp, ok := ExpiresAt(tokens.Access)
	if !ok || p.now().Add(p.skew).Before(exp) {
		return tokens.Access, nil
	}
	if tokens.Refresh == "" || p.refresh == nil {
		// expired and nothing to refresh with; let the server decide
		return tokens.Access, nil
	}
	fresh, err := p.refreshLocked(ctx, tokens)
	if err != nil {
		log.Warn().Err(err).Str("component", "credentials").Msg("proactive token refresh failed")
		return tokens.Access, nil
	}
	return fresh, nil
}

func (p *RefreshingProvider) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tokens, err := p.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if tokens.Refresh == "" || p.refresh == nil {
		return "", errors.Wrap(chat.ErrNoCredential, "no refresh token")
	}
	return p.refreshLocked(ctx, tokens)
}

func (p *RefreshingProvider) refreshLocked(ctx context.Context, tokens Tokens) (string, error) {
	fresh, err := p.refresh(ctx, tokens.Refresh)
	if err != nil {
		return "", errors.Wrap(err, "refresh token")
	}
	if fresh.Access == "" {
		return "", errors.New("refresh token: empty access token in response")
	}
	if fresh.Refresh == "" {
		fresh.Refresh = tokens.Refresh
	}
	if err := p.store.Save(ctx, fresh); err != nil {
		return "", errors.Wrap(err, "store refreshed tokens")
	}
	log.Debug().Str("component", "credentials").Msg("access token refreshed")
	return fresh.Access, nil
}

// ExpiresAt reads the exp claim of a JWT. The signature is not verified.
func ExpiresAt(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
