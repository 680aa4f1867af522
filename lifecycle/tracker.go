// Package lifecycle keeps each session's notification message in step with the stream:
// the Tracker reacts to online, update and offline events and the Reconciler back-fills
// the archive video once Twitch publishes it.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/onnwee/stream-herald/eventsub"
	"github.com/onnwee/stream-herald/ledger"
	"github.com/onnwee/stream-herald/notify"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/twitchapi"
)

// Ledger is the session store the handlers and the poller write to.
type Ledger interface {
	Insert(ctx context.Context, s ledger.Session) error
	Get(ctx context.Context, channelID, sessionID int64) (*ledger.Session, error)
	Current(ctx context.Context, channelID int64) (*ledger.Session, error)
	MarkEnded(ctx context.Context, channelID, sessionID int64, at time.Time) error
	Unmatched(ctx context.Context, endedAfter time.Time) ([]ledger.Session, error)
	SetVideo(ctx context.Context, channelID, sessionID, videoID int64) (bool, error)
}

// Platform is the subset of Helix the handlers query.
type Platform interface {
	GetUserByID(ctx context.Context, id string) (*twitchapi.User, error)
	GetStream(ctx context.Context, userID string) (*twitchapi.Stream, error)
	ListArchiveVideos(ctx context.Context, userID string, first int, since time.Time) ([]twitchapi.Video, error)
}

// Tracker handles EventSub stream events. It satisfies eventsub.Handler.
type Tracker struct {
	Ledger       Ledger
	Sink         notify.Sink
	Platform     Platform
	Announcement string
	Now          func() time.Time

	locks *ChannelLocks
}

var _ eventsub.Handler = (*Tracker)(nil)

// NewTracker wires a Tracker. locks must be the set shared with the Reconciler.
func NewTracker(l Ledger, sink notify.Sink, p Platform, announcement string, locks *ChannelLocks) *Tracker {
	if locks == nil {
		locks = NewChannelLocks()
	}
	return &Tracker{Ledger: l, Sink: sink, Platform: p, Announcement: announcement, Now: time.Now, locks: locks}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

func logFor(ctx context.Context, channelID int64) *slog.Logger {
	return telemetry.LoggerWithCorr(ctx).With(slog.String("component", "lifecycle"), slog.Int64("channel_id", channelID))
}

// broadcaster resolves the channel's user for rendering. A failed lookup degrades to the
// names carried by the event.
func (t *Tracker) broadcaster(ctx context.Context, b eventsub.Broadcaster) twitchapi.User {
	u, err := t.Platform.GetUserByID(ctx, b.UserID)
	if err == nil && u != nil {
		return *u
	}
	if err != nil {
		slog.Warn("broadcaster lookup failed", slog.String("user_id", b.UserID), slog.Any("err", err), slog.String("component", "lifecycle"))
	}
	return twitchapi.User{ID: b.UserID, Login: b.UserLogin, DisplayName: b.UserName}
}

// announce fills the announcement with the display name carried by the event, falling
// back to the Helix profile when the event has none.
func (t *Tracker) announce(b eventsub.Broadcaster, u twitchapi.User) string {
	name := b.UserName
	if name == "" {
		name = u.DisplayName
	}
	return Announcement(t.Announcement, name)
}

// OnStreamOnline posts the live notification, then records the session. A failed post
// records nothing; a session already in the ledger is a redelivery and is dropped.
func (t *Tracker) OnStreamOnline(ctx context.Context, ev eventsub.StreamOnline) error {
	channelID, err := strconv.ParseInt(ev.UserID, 10, 64)
	if err != nil {
		return fmt.Errorf("broadcaster id %q: %w", ev.UserID, err)
	}
	sessionID, err := strconv.ParseInt(ev.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("stream id %q: %w", ev.ID, err)
	}
	log := logFor(ctx, channelID).With(slog.Int64("session_id", sessionID))
	unlock := t.locks.Lock(channelID)
	defer unlock()

	existing, err := t.Ledger.Get(ctx, channelID, sessionID)
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if existing != nil {
		log.Debug("session already recorded, ignoring online event")
		return nil
	}

	stream, err := t.Platform.GetStream(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}
	if stream == nil {
		// Helix can lag the online event by a few seconds
		stream = &twitchapi.Stream{ID: ev.ID, UserID: ev.UserID, UserLogin: ev.UserLogin, UserName: ev.UserName, StartedAt: ev.StartedAt}
	}
	user := t.broadcaster(ctx, ev.Broadcaster)
	now := t.now()

	id, err := t.Sink.Send(ctx, LiveMessage(user, *stream, t.announce(ev.Broadcaster, user), now))
	if err != nil {
		telemetry.IncFailure("send")
		return fmt.Errorf("send live notification: %w", err)
	}
	telemetry.Inc(telemetry.NotificationsSent)

	if err := t.Ledger.Insert(ctx, ledger.Session{
		ChannelID: channelID,
		SessionID: sessionID,
		Title:     stream.Title,
		MessageID: id,
		StartedAt: now,
	}); err != nil {
		return fmt.Errorf("record session (message %s already posted): %w", id, err)
	}
	log.Info("stream online", slog.String("title", stream.Title), slog.String("message_id", id))
	return nil
}

// OnChannelUpdate refreshes the live notification of the channel's open session with the
// new title and category. Without an open session, or when Helix no longer reports the
// channel live, it does nothing.
func (t *Tracker) OnChannelUpdate(ctx context.Context, ev eventsub.ChannelUpdate) error {
	channelID, err := strconv.ParseInt(ev.UserID, 10, 64)
	if err != nil {
		return fmt.Errorf("broadcaster id %q: %w", ev.UserID, err)
	}
	log := logFor(ctx, channelID)
	unlock := t.locks.Lock(channelID)
	defer unlock()

	cur, err := t.Ledger.Current(ctx, channelID)
	if err != nil {
		return fmt.Errorf("current session: %w", err)
	}
	if cur == nil {
		log.Debug("no open session, ignoring channel update")
		return nil
	}
	stream, err := t.Platform.GetStream(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}
	if stream == nil {
		log.Debug("channel not live, ignoring stale channel update", slog.Int64("session_id", cur.SessionID))
		return nil
	}
	snapshot := *stream
	snapshot.Title = ev.Title
	snapshot.GameName = ev.CategoryName
	user := t.broadcaster(ctx, ev.Broadcaster)

	if err := t.Sink.Edit(ctx, cur.MessageID, LiveMessage(user, snapshot, t.announce(ev.Broadcaster, user), t.now())); err != nil {
		telemetry.IncFailure("edit")
		return fmt.Errorf("edit live notification: %w", err)
	}
	telemetry.Inc(telemetry.NotificationEdits)
	log.Info("stream updated", slog.Int64("session_id", cur.SessionID), slog.String("title", ev.Title), slog.String("category", ev.CategoryName))
	return nil
}

// OnStreamOffline switches the open session's notification to the awaiting-VOD state and
// then marks the session ended. A failed edit leaves the session open.
func (t *Tracker) OnStreamOffline(ctx context.Context, ev eventsub.StreamOffline) error {
	channelID, err := strconv.ParseInt(ev.UserID, 10, 64)
	if err != nil {
		return fmt.Errorf("broadcaster id %q: %w", ev.UserID, err)
	}
	log := logFor(ctx, channelID)
	unlock := t.locks.Lock(channelID)
	defer unlock()

	cur, err := t.Ledger.Current(ctx, channelID)
	if err != nil {
		return fmt.Errorf("current session: %w", err)
	}
	if cur == nil {
		log.Debug("no open session, ignoring offline event")
		return nil
	}
	user := t.broadcaster(ctx, ev.Broadcaster)
	if err := t.Sink.Edit(ctx, cur.MessageID, AwaitingMessage(user, *cur)); err != nil {
		telemetry.IncFailure("edit")
		return fmt.Errorf("edit offline notification: %w", err)
	}
	telemetry.Inc(telemetry.NotificationEdits)

	if err := t.Ledger.MarkEnded(ctx, channelID, cur.SessionID, t.now()); err != nil {
		return fmt.Errorf("mark session ended: %w", err)
	}
	log.Info("stream offline", slog.Int64("session_id", cur.SessionID))
	return nil
}
