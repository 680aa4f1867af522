// Package oauth keeps the stored Twitch user token fresh. It performs jittered checks
// and refreshes when expiry falls within a configured window, so EventSub subscription
// calls never race an expiring token.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/stream-herald/twitchapi"
)

// TokenRefresher is a token source that can be forced to refresh;
// *twitchapi.UserTokenSource satisfies it.
type TokenRefresher interface {
	Token() (*oauth2.Token, error)
	Refresh() (*oauth2.Token, error)
}

// RunRefresher periodically checks src and refreshes the token when its remaining
// lifetime is within window. It blocks until ctx is done.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func RunRefresher(ctx context.Context, src TokenRefresher, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	log := slog.Default().With(slog.String("component", "oauth_refresher"), slog.String("provider", twitchapi.ProviderTwitch))
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialJitter):
	}
	for {
		check(log, src, window)

		// ±20% of interval
		jitterRange := int64(interval / 5)
		var jitter time.Duration
		if jitterRange > 0 {
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter = time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
		}
		nextSleep := interval + jitter
		if nextSleep < interval/2 {
			nextSleep = interval / 2
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(nextSleep):
		}
	}
}

func check(log *slog.Logger, src TokenRefresher, window time.Duration) {
	tok, err := src.Token()
	if errors.Is(err, twitchapi.ErrNoToken) {
		log.Debug("no user token stored yet")
		return
	}
	if err != nil {
		log.Warn("token load failed", slog.Any("err", err))
		return
	}
	if tok.Expiry.IsZero() || time.Until(tok.Expiry) > window {
		return
	}
	if _, err := src.Refresh(); err != nil {
		log.Warn("token refresh failed", slog.Any("err", err))
		return
	}
	log.Info("token refreshed")
}
