package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type memStore struct {
	tok   *oauth2.Token
	saves int
}

func (m *memStore) Load(context.Context, string) (*oauth2.Token, error) { return m.tok, nil }
func (m *memStore) Save(_ context.Context, _ string, tok *oauth2.Token, _ string) error {
	m.tok = tok
	m.saves++
	return nil
}

func tokenServer(t *testing.T, calls *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.Form.Get("client_id") != "cid" || r.Form.Get("client_secret") != "secret" {
			t.Errorf("client credentials not sent in params: %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]interface{}{
			"access_token": "fresh-" + r.Form.Get("grant_type"),
			"token_type":   "bearer",
			"expires_in":   3600,
			"scope":        []string{"user:read:email"},
		}
		if r.Form.Get("grant_type") == "refresh_token" {
			resp["refresh_token"] = "rt-2"
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func testCtx(server *httptest.Server) context.Context {
	hc := &http.Client{Transport: &rewriteTransport{Transport: http.DefaultTransport, host: server.URL}}
	return context.WithValue(context.Background(), oauth2.HTTPClient, hc)
}

func TestAppTokenSourceCaches(t *testing.T) {
	var calls int32
	server := tokenServer(t, &calls)
	defer server.Close()
	hc := &http.Client{Transport: &rewriteTransport{Transport: http.DefaultTransport, host: server.URL}}

	ts := NewAppTokenSource(context.Background(), "cid", "secret", hc)
	for i := 0; i < 3; i++ {
		tok, err := ts.Token()
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if tok.AccessToken != "fresh-client_credentials" {
			t.Errorf("AccessToken = %s", tok.AccessToken)
		}
	}
	if calls != 1 {
		t.Errorf("token endpoint called %d times, want 1", calls)
	}
}

func TestUserTokenSource(t *testing.T) {
	var calls int32
	server := tokenServer(t, &calls)
	defer server.Close()
	cfg := OAuthConfig("cid", "secret", "http://localhost/cb", "user:read:email")

	t.Run("no token", func(t *testing.T) {
		s := &UserTokenSource{Config: cfg, Store: &memStore{}, Ctx: testCtx(server)}
		if _, err := s.Token(); !errors.Is(err, ErrNoToken) {
			t.Errorf("Token() error = %v, want ErrNoToken", err)
		}
	})

	t.Run("valid token served from store", func(t *testing.T) {
		atomic.StoreInt32(&calls, 0)
		st := &memStore{tok: &oauth2.Token{AccessToken: "a", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)}}
		s := &UserTokenSource{Config: cfg, Store: st, Ctx: testCtx(server)}
		tok, err := s.Token()
		if err != nil || tok.AccessToken != "a" {
			t.Fatalf("Token() = %v, %v", tok, err)
		}
		if calls != 0 {
			t.Errorf("refresh called for a valid token")
		}
	})

	t.Run("expiring token refreshed and persisted", func(t *testing.T) {
		atomic.StoreInt32(&calls, 0)
		st := &memStore{tok: &oauth2.Token{AccessToken: "a", RefreshToken: "rt", Expiry: time.Now().Add(10 * time.Second)}}
		s := &UserTokenSource{Config: cfg, Store: st, Ctx: testCtx(server)}
		tok, err := s.Token()
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if tok.AccessToken != "fresh-refresh_token" || tok.RefreshToken != "rt-2" {
			t.Errorf("Token() = %+v", tok)
		}
		if st.saves != 1 || st.tok.AccessToken != "fresh-refresh_token" {
			t.Errorf("refreshed token not persisted: saves=%d", st.saves)
		}
		if exp, ok := s.Expiry(); !ok || time.Until(exp) < 50*time.Minute {
			t.Errorf("Expiry() = %v, %v", exp, ok)
		}
	})

	t.Run("missing refresh token", func(t *testing.T) {
		st := &memStore{tok: &oauth2.Token{AccessToken: "a", Expiry: time.Now().Add(-time.Minute)}}
		s := &UserTokenSource{Config: cfg, Store: st, Ctx: testCtx(server)}
		if _, err := s.Token(); err == nil {
			t.Error("expected error without refresh token")
		}
	})
}

func TestOAuthConfigScopes(t *testing.T) {
	cfg := OAuthConfig("cid", "secret", "http://localhost/cb", "user:read:email, moderator:read:followers")
	if len(cfg.Scopes) != 2 || cfg.Scopes[1] != "moderator:read:followers" {
		t.Errorf("Scopes = %v", cfg.Scopes)
	}
	u := cfg.AuthCodeURL("state-1")
	if u == "" {
		t.Error("empty auth url")
	}
}

func TestExchangeAuthCodeValidation(t *testing.T) {
	if _, err := ExchangeAuthCode(context.Background(), OAuthConfig("", "", "", ""), "code"); err == nil {
		t.Error("expected error for missing client id")
	}
	if _, err := RefreshToken(context.Background(), OAuthConfig("cid", "secret", "", ""), ""); err == nil {
		t.Error("expected error for missing refresh token")
	}
}
