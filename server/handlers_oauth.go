package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/onnwee/stream-herald/twitchapi"
)

// HandleTwitchOAuthStart redirects the broadcaster to Twitch to authorize the relay.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	cfg := h.opts.OAuth
	if cfg == nil || cfg.ClientID == "" || cfg.RedirectURL == "" {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	st := uuid.NewString()
	if !h.addOAuthState(st) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, cfg.AuthCodeURL(st), http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the authorization code and stores the user token.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		http.Error(w, "authorization denied: "+e, http.StatusBadRequest)
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	log := slog.Default().With(slog.String("component", "oauth"), slog.String("provider", twitchapi.ProviderTwitch))
	tok, err := twitchapi.ExchangeAuthCode(ctx, h.opts.OAuth, code)
	if err != nil {
		log.Warn("auth code exchange failed", slog.Any("err", err))
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}
	scope := twitchapi.Scope(tok)
	if err := h.opts.Tokens.Save(ctx, twitchapi.ProviderTwitch, tok, scope); err != nil {
		log.Error("store user token failed", slog.Any("err", err))
		http.Error(w, "failed to store token", http.StatusInternalServerError)
		return
	}
	if h.opts.UserTokens != nil {
		h.opts.UserTokens.Set(tok)
	}
	if h.opts.OnToken != nil {
		h.opts.OnToken()
	}
	log.Info("user token stored", slog.String("scope", scope), slog.Time("expiry", tok.Expiry))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scopes": strings.Fields(scope), "expiry": tok.Expiry})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
