// Package ledger persists one row per observed broadcast session in the streams table.
//
// Rows only move forward: a row is inserted when the channel goes live, gains ended_at
// when it goes offline and gains video_id once the archive video is matched. The store
// enforces that ordering in its WHERE clauses so a late or replayed write cannot move a
// row backwards.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Session is one row of the streams table.
type Session struct {
	ChannelID int64
	SessionID int64
	Title     string
	MessageID string
	StartedAt time.Time
	EndedAt   *time.Time
	VideoID   *int64
}

// Live reports whether the session has not been observed to end.
func (s Session) Live() bool { return s.EndedAt == nil }

// Store is the Postgres-backed ledger.
type Store struct {
	DB *sql.DB
}

// New returns a Store over db. The schema is created by db.RunMigrations.
func New(db *sql.DB) *Store { return &Store{DB: db} }

const sessionColumns = `channel_id, session_id, COALESCE(title, ''), message_id, started_at, ended_at, video_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	var ended sql.NullTime
	var video sql.NullInt64
	if err := row.Scan(&s.ChannelID, &s.SessionID, &s.Title, &s.MessageID, &s.StartedAt, &ended, &video); err != nil {
		return nil, err
	}
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	if video.Valid {
		v := video.Int64
		s.VideoID = &v
	}
	return &s, nil
}

// Insert records a new live session. Any other session of the same channel still marked
// live is closed at the new session's start time in the same transaction, so a channel
// never has more than one open row even when an offline event was lost.
func (st *Store) Insert(ctx context.Context, s Session) error {
	tx, err := st.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE streams SET ended_at = $3
		WHERE channel_id = $1 AND session_id <> $2 AND ended_at IS NULL`, s.ChannelID, s.SessionID, s.StartedAt)
	if err != nil {
		return fmt.Errorf("close stale sessions: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("closed stale open sessions", slog.Int64("channel_id", s.ChannelID), slog.Int64("count", n), slog.String("component", "ledger"))
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO streams (channel_id, session_id, title, message_id, started_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)`, s.ChannelID, s.SessionID, s.Title, s.MessageID, s.StartedAt); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// Get returns the session identified by (channelID, sessionID), or nil if absent.
func (st *Store) Get(ctx context.Context, channelID, sessionID int64) (*Session, error) {
	s, err := scanSession(st.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM streams
		WHERE channel_id = $1 AND session_id = $2`, channelID, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// Current returns the channel's most recently started open session, or nil if none.
func (st *Store) Current(ctx context.Context, channelID int64) (*Session, error) {
	s, err := scanSession(st.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM streams
		WHERE channel_id = $1 AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1`, channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current session: %w", err)
	}
	return s, nil
}

// MarkEnded sets ended_at on an open session. Already-ended sessions keep their
// original end time.
func (st *Store) MarkEnded(ctx context.Context, channelID, sessionID int64, at time.Time) error {
	if _, err := st.DB.ExecContext(ctx, `UPDATE streams SET ended_at = $3
		WHERE channel_id = $1 AND session_id = $2 AND ended_at IS NULL`, channelID, sessionID, at); err != nil {
		return fmt.Errorf("mark ended: %w", err)
	}
	return nil
}

// Unmatched lists ended sessions without a video. A non-zero endedAfter limits the
// result to sessions that ended after it.
func (st *Store) Unmatched(ctx context.Context, endedAfter time.Time) ([]Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM streams WHERE ended_at IS NOT NULL AND video_id IS NULL`
	args := []any{}
	if !endedAfter.IsZero() {
		q += ` AND ended_at > $1`
		args = append(args, endedAfter)
	}
	q += ` ORDER BY channel_id, started_at`
	rows, err := st.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query unmatched: %w", err)
	}
	return collect(rows)
}

// SetVideo records the matched archive video. It reports false when the row is missing,
// still live or already matched.
func (st *Store) SetVideo(ctx context.Context, channelID, sessionID, videoID int64) (bool, error) {
	res, err := st.DB.ExecContext(ctx, `UPDATE streams SET video_id = $3
		WHERE channel_id = $1 AND session_id = $2 AND ended_at IS NOT NULL AND video_id IS NULL`, channelID, sessionID, videoID)
	if err != nil {
		return false, fmt.Errorf("set video: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set video rows: %w", err)
	}
	return n == 1, nil
}

// Recent returns up to limit sessions, newest first.
func (st *Store) Recent(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := st.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM streams ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]Session, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
