package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/stream-herald/ledger"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SessionLister lists the most recent ledger rows for /status.
type SessionLister interface {
	Recent(ctx context.Context, limit int) ([]ledger.Session, error)
}

// EventSubStatus reports the live EventSub session; *eventsub.Client satisfies it.
type EventSubStatus interface {
	SessionID() string
	Connected() bool
}

// TokenStore loads and persists the Twitch user token.
type TokenStore interface {
	Load(ctx context.Context, provider string) (*oauth2.Token, error)
	Save(ctx context.Context, provider string, tok *oauth2.Token, scope string) error
}

// Options are the dependencies of the HTTP handlers. DB, Tokens and OAuth are required;
// the rest may be nil.
type Options struct {
	DB         Pinger
	Sessions   SessionLister
	EventSub   EventSubStatus
	Tokens     TokenStore
	OAuth      *oauth2.Config
	// UserTokens receives a freshly captured token so it is used without a reload.
	UserTokens interface{ Set(tok *oauth2.Token) }
	// OnToken is called after each successful OAuth capture.
	OnToken    func()
	AdminToken string
	Channels   []string

	// AuthRateLimit caps OAuth requests per client IP and minute; 0 means 10.
	AuthRateLimit int
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	opts    Options
	limiter *ipRateLimiter
	now     func() time.Time

	stateMu    sync.Mutex
	stateStore map[string]time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(opts Options) *Handlers {
	limit := opts.AuthRateLimit
	if limit <= 0 {
		limit = 10
	}
	return &Handlers{
		opts:       opts,
		limiter:    newIPRateLimiter(limit, time.Minute),
		now:        time.Now,
		stateStore: make(map[string]time.Time),
	}
}

// addOAuthState remembers state until it expires. It reports false when the store is full.
func (h *Handlers) addOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	now := h.now()
	if len(h.stateStore)%100 == 0 {
		for st, exp := range h.stateStore {
			if now.After(exp) {
				delete(h.stateStore, st)
			}
		}
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = now.Add(oauthStateTTL)
	return true
}

// consumeOAuthState removes state and reports whether it was known and unexpired.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && !h.now().After(exp)
}
