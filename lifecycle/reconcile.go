package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/stream-herald/ledger"
	"github.com/onnwee/stream-herald/notify"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/twitchapi"
)

const (
	defaultVideosPerChannel = 20
	archiveSlack            = time.Hour
)

// Reconciler matches ended sessions to their archive videos and edits the notification
// once a match is recorded.
type Reconciler struct {
	Ledger   Ledger
	Sink     notify.Sink
	Platform Platform
	// MaxAge stops retrying sessions that ended longer ago; zero retries forever.
	MaxAge time.Duration
	// VideosPerChannel is how many recent archive videos are fetched per channel.
	VideosPerChannel int
	Now              func() time.Time

	locks *ChannelLocks
}

// NewReconciler wires a Reconciler. locks must be the set shared with the Tracker.
func NewReconciler(l Ledger, sink notify.Sink, p Platform, maxAge time.Duration, locks *ChannelLocks) *Reconciler {
	if locks == nil {
		locks = NewChannelLocks()
	}
	return &Reconciler{Ledger: l, Sink: sink, Platform: p, MaxAge: maxAge, VideosPerChannel: defaultVideosPerChannel, Now: time.Now, locks: locks}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Result summarizes one reconciliation tick.
type Result struct {
	Pending       int
	Channels      int
	Matched       int
	FetchFailures int
	EditFailures  int
}

// RunOnce performs one reconciliation tick. Only the ledger query can fail the tick;
// per-channel and per-video failures are logged and counted in the result.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "lifecycle", "reconcile")
	defer span.End()
	telemetry.Inc(telemetry.ReconcileCycles)

	var res Result
	var cutoff time.Time
	if r.MaxAge > 0 {
		cutoff = r.now().Add(-r.MaxAge)
	}
	rows, err := r.Ledger.Unmatched(ctx, cutoff)
	if err != nil {
		telemetry.RecordError(span, err)
		return res, fmt.Errorf("list unmatched sessions: %w", err)
	}
	res.Pending = len(rows)
	telemetry.SetPending(len(rows))
	if len(rows) == 0 {
		telemetry.SetSpanSuccess(span)
		return res, nil
	}

	groups := make(map[int64]map[int64]ledger.Session)
	for _, s := range rows {
		if groups[s.ChannelID] == nil {
			groups[s.ChannelID] = make(map[int64]ledger.Session)
		}
		groups[s.ChannelID][s.SessionID] = s
	}
	channels := make([]int64, 0, len(groups))
	for ch := range groups {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	res.Channels = len(channels)

	for _, ch := range channels {
		if ctx.Err() != nil {
			break
		}
		r.reconcileChannel(ctx, ch, groups[ch], &res)
	}
	span.SetAttributes(attribute.Int("pending", res.Pending), attribute.Int("matched", res.Matched))
	telemetry.SetSpanSuccess(span)
	return res, nil
}

func (r *Reconciler) reconcileChannel(ctx context.Context, channelID int64, sessions map[int64]ledger.Session, res *Result) {
	log := slog.Default().With(slog.String("component", "reconcile"), slog.Int64("channel_id", channelID))
	userID := strconv.FormatInt(channelID, 10)
	first := r.VideosPerChannel
	if first <= 0 {
		first = defaultVideosPerChannel
	}
	ctx, span := telemetry.StartSpan(ctx, "lifecycle", "reconcile.channel", telemetry.ChannelAttr(channelID))
	defer span.End()
	videos, err := r.Platform.ListArchiveVideos(ctx, userID, first, listingSince(sessions))
	if err != nil {
		telemetry.RecordError(span, err)
		res.FetchFailures++
		telemetry.Inc(telemetry.ReconcileFetchFailure)
		log.Warn("archive video listing failed", slog.Any("err", err))
		return
	}

	var user *twitchapi.User
	broadcaster := func() twitchapi.User {
		if user != nil {
			return *user
		}
		u, err := r.Platform.GetUserByID(ctx, userID)
		if err != nil || u == nil {
			log.Warn("broadcaster lookup failed", slog.Any("err", err))
			u = &twitchapi.User{ID: userID}
		}
		user = u
		return *u
	}

	for _, v := range videos {
		sessionID, err := strconv.ParseInt(v.StreamID, 10, 64)
		if err != nil {
			continue
		}
		if _, ok := sessions[sessionID]; !ok {
			continue
		}
		videoID, err := strconv.ParseInt(v.ID, 10, 64)
		if err != nil {
			log.Warn("archive video id not numeric", slog.String("video_id", v.ID))
			continue
		}
		r.match(ctx, log, channelID, sessionID, videoID, v, broadcaster, res)
	}
}

// listingSince is how far back a channel's archive must be read to cover every pending
// session. Archives are stamped with the broadcast start, which precedes the recorded
// started_at by the notification delay.
func listingSince(sessions map[int64]ledger.Session) time.Time {
	var oldest time.Time
	for _, s := range sessions {
		if oldest.IsZero() || s.StartedAt.Before(oldest) {
			oldest = s.StartedAt
		}
	}
	if oldest.IsZero() {
		return oldest
	}
	return oldest.Add(-archiveSlack)
}

// match records the video on the session, then edits the notification. An edit failure
// after the video is recorded is not retried.
func (r *Reconciler) match(ctx context.Context, log *slog.Logger, channelID, sessionID, videoID int64, v twitchapi.Video, broadcaster func() twitchapi.User, res *Result) {
	log = log.With(slog.Int64("session_id", sessionID), slog.Int64("video_id", videoID))
	unlock := r.locks.Lock(channelID)
	defer unlock()

	row, err := r.Ledger.Get(ctx, channelID, sessionID)
	if err != nil {
		log.Warn("lookup session failed", slog.Any("err", err))
		return
	}
	if row == nil {
		log.Debug("session vanished before match")
		return
	}
	ok, err := r.Ledger.SetVideo(ctx, channelID, sessionID, videoID)
	if err != nil {
		log.Warn("record video failed", slog.Any("err", err))
		return
	}
	if !ok {
		log.Debug("session already matched")
		return
	}
	res.Matched++
	telemetry.Inc(telemetry.ReconcileMatched)

	if err := r.Sink.Edit(ctx, row.MessageID, EndedMessage(broadcaster(), v, r.now())); err != nil {
		res.EditFailures++
		telemetry.IncFailure("edit")
		log.Warn("video recorded but notification edit failed", slog.String("message_id", row.MessageID), slog.Bool("retryable", notify.IsRetryable(err)), slog.Any("err", err))
		return
	}
	telemetry.Inc(telemetry.NotificationEdits)
	log.Info("session matched to archive video", slog.String("url", v.URL))
}

// StartReconcileJob runs a tick immediately and then every interval until ctx is done.
func StartReconcileJob(ctx context.Context, r *Reconciler, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	slog.Info("reconcile job starting", slog.Duration("interval", interval), slog.Duration("max_age", r.MaxAge))

	tick := func() {
		telemetry.TimeFunc(telemetry.ReconcileDuration, func() {
			res, err := r.RunOnce(ctx)
			if err != nil {
				slog.Warn("reconcile tick failed", slog.Any("err", err), slog.String("component", "reconcile"))
				return
			}
			if res.Matched > 0 || res.FetchFailures > 0 || res.EditFailures > 0 {
				slog.Info("reconcile tick", slog.Int("pending", res.Pending), slog.Int("matched", res.Matched),
					slog.Int("fetch_failures", res.FetchFailures), slog.Int("edit_failures", res.EditFailures))
			}
		})
	}

	tick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconcile job stopped")
			return
		case <-ticker.C:
			tick()
		}
	}
}
