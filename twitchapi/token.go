package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/twitch"
)

// ProviderTwitch is the oauth_tokens row holding the broadcaster user token.
const ProviderTwitch = "twitch"

// ErrNoToken is returned by a UserTokenSource before any user token was captured.
var ErrNoToken = errors.New("no twitch user token stored; visit /auth/twitch/start")

// NewAppTokenSource returns a cached client-credentials (app access) token source.
// Tokens are refreshed a minute before they expire.
func NewAppTokenSource(ctx context.Context, clientID, clientSecret string, hc *http.Client) oauth2.TokenSource {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     twitch.Endpoint.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	}
	return oauth2.ReuseTokenSourceWithExpiry(nil, cfg.TokenSource(ctx), time.Minute)
}

// TokenStore is the persistence a UserTokenSource reads from and writes refreshed tokens to.
type TokenStore interface {
	Load(ctx context.Context, provider string) (*oauth2.Token, error)
	Save(ctx context.Context, provider string, tok *oauth2.Token, scope string) error
}

// UserTokenSource serves the stored user token and refreshes it through Config when it
// is about to expire. Refreshed tokens are written back to Store.
type UserTokenSource struct {
	Config *oauth2.Config
	Store  TokenStore
	// Ctx carries the HTTP client used for refreshes; defaults to context.Background.
	Ctx context.Context

	mu  sync.Mutex
	tok *oauth2.Token
}

func (s *UserTokenSource) ctx() context.Context {
	if s.Ctx != nil {
		return s.Ctx
	}
	return context.Background()
}

// Token implements oauth2.TokenSource.
func (s *UserTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tok == nil {
		tok, err := s.Store.Load(s.ctx(), ProviderTwitch)
		if err != nil {
			return nil, fmt.Errorf("load user token: %w", err)
		}
		if tok == nil {
			return nil, ErrNoToken
		}
		s.tok = tok
	}
	if s.tok.Valid() && (s.tok.Expiry.IsZero() || time.Until(s.tok.Expiry) > time.Minute) {
		return s.tok, nil
	}
	return s.refreshLocked()
}

// Refresh forces a refresh regardless of the current expiry.
func (s *UserTokenSource) Refresh() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tok == nil {
		tok, err := s.Store.Load(s.ctx(), ProviderTwitch)
		if err != nil {
			return nil, fmt.Errorf("load user token: %w", err)
		}
		if tok == nil {
			return nil, ErrNoToken
		}
		s.tok = tok
	}
	return s.refreshLocked()
}

// Expiry returns the cached token's expiry; ok is false when nothing is cached yet.
func (s *UserTokenSource) Expiry() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tok == nil {
		return time.Time{}, false
	}
	return s.tok.Expiry, true
}

// Set replaces the cached token, used after a fresh authorization code exchange.
func (s *UserTokenSource) Set(tok *oauth2.Token) {
	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()
}

func (s *UserTokenSource) refreshLocked() (*oauth2.Token, error) {
	if s.tok.RefreshToken == "" {
		return nil, errors.New("stored user token has no refresh token")
	}
	nt, err := RefreshToken(s.ctx(), s.Config, s.tok.RefreshToken)
	if err != nil {
		return nil, err
	}
	if nt.RefreshToken == "" {
		nt.RefreshToken = s.tok.RefreshToken
	}
	if err := s.Store.Save(s.ctx(), ProviderTwitch, nt, Scope(nt)); err != nil {
		slog.Warn("failed to persist refreshed user token", slog.Any("err", err), slog.String("component", "twitch_oauth"))
	}
	s.tok = nt
	slog.Info("twitch user token refreshed", slog.Time("expires_at", nt.Expiry), slog.String("component", "twitch_oauth"))
	return nt, nil
}
