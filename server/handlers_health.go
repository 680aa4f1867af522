package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/twitchapi"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.opts.DB.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once the database answers, a user token is stored and the
// EventSub session is up.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.opts.DB.PingContext(r.Context()) }},
		{"credentials", func() error {
			tok, err := h.opts.Tokens.Load(r.Context(), twitchapi.ProviderTwitch)
			if err != nil {
				return err
			}
			if tok == nil {
				return twitchapi.ErrNoToken
			}
			return nil
		}},
		{"eventsub", func() error {
			if h.opts.EventSub == nil || !h.opts.EventSub.Connected() {
				return errors.New("eventsub session not established")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type sessionView struct {
	ChannelID int64      `json:"channel_id"`
	SessionID int64      `json:"session_id"`
	Title     string     `json:"title"`
	MessageID string     `json:"message_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	VideoID   *int64     `json:"video_id,omitempty"`
	Live      bool       `json:"live"`
}

// HandleStatus shows the configured channels, the EventSub session and the most recent
// ledger rows. ?limit= caps the rows (default 20, max 200).
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 20)
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	out := map[string]any{"channels": h.opts.Channels, "tracing": telemetry.IsTracingEnabled()}
	if es := h.opts.EventSub; es != nil {
		out["eventsub"] = map[string]any{"connected": es.Connected(), "session_id": es.SessionID()}
	}
	if h.opts.Sessions != nil {
		rows, err := h.opts.Sessions.Recent(r.Context(), limit)
		if err != nil {
			slog.Error("status: list sessions failed", slog.Any("err", err), slog.String("component", "http"))
			http.Error(w, "failed to list sessions", http.StatusInternalServerError)
			return
		}
		views := make([]sessionView, 0, len(rows))
		for _, s := range rows {
			views = append(views, sessionView{
				ChannelID: s.ChannelID,
				SessionID: s.SessionID,
				Title:     s.Title,
				MessageID: s.MessageID,
				StartedAt: s.StartedAt,
				EndedAt:   s.EndedAt,
				VideoID:   s.VideoID,
				Live:      s.Live(),
			})
		}
		out["sessions"] = views
	}
	writeJSON(w, http.StatusOK, out)
}
