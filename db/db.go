// Package db provides database connection helpers, schema migration, and the OAuth token store.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	"golang.org/x/oauth2"

	"github.com/onnwee/stream-herald/crypto"
)

// Connect opens a Postgres connection pool and verifies it answers.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty DB_DSN")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	database.SetMaxOpenConns(4)
	database.SetConnMaxIdleTime(5 * time.Minute)
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := database.PingContext(pctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return database, nil
}

// Migrate applies the schema with idempotent embedded SQL. It is the fallback for
// databases that predate versioned migrations; RunMigrations is preferred.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			channel_id BIGINT NOT NULL,
			session_id BIGINT NOT NULL,
			title TEXT,
			message_id TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			video_id BIGINT,
			PRIMARY KEY (channel_id, session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			encryption_version INTEGER DEFAULT 0,
			encryption_key_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_channel_started ON streams (channel_id, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_unmatched ON streams (channel_id) WHERE ended_at IS NOT NULL AND video_id IS NULL`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// TokenStore persists OAuth tokens in oauth_tokens, one row per provider.
// When Enc is set, tokens are sealed before storage (encryption_version=1).
type TokenStore struct {
	DB  *sql.DB
	Enc crypto.Encryptor
}

// Save stores or replaces the token for provider.
func (s *TokenStore) Save(ctx context.Context, provider string, tok *oauth2.Token, scope string) error {
	if tok == nil {
		return errors.New("nil token")
	}
	access, refresh := tok.AccessToken, tok.RefreshToken
	encVersion, keyID := 0, ""
	if s.Enc != nil {
		var err error
		if access, err = s.Enc.Seal(access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = s.Enc.Seal(refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		encVersion, keyID = 1, s.Enc.KeyID()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT(provider) DO UPDATE SET
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token,
			expires_at=EXCLUDED.expires_at,
			scope=COALESCE(NULLIF(EXCLUDED.scope,''), oauth_tokens.scope),
			encryption_version=EXCLUDED.encryption_version,
			encryption_key_id=EXCLUDED.encryption_key_id,
			updated_at=NOW()`,
		provider, access, refresh, tok.Expiry, scope, encVersion, keyID)
	if err != nil {
		return fmt.Errorf("upsert oauth token: %w", err)
	}
	return nil
}

// Load returns the stored token for provider, or nil when none is stored.
func (s *TokenStore) Load(ctx context.Context, provider string) (*oauth2.Token, error) {
	var access, refresh sql.NullString
	var expiry sql.NullTime
	var encVersion int
	err := s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, COALESCE(encryption_version, 0)
		 FROM oauth_tokens WHERE provider = $1`, provider).Scan(&access, &refresh, &expiry, &encVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load oauth token: %w", err)
	}
	tok := &oauth2.Token{AccessToken: access.String, RefreshToken: refresh.String, TokenType: "Bearer"}
	if expiry.Valid {
		tok.Expiry = expiry.Time
	}
	if encVersion == 1 {
		if s.Enc == nil {
			return nil, errors.New("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if tok.AccessToken, err = s.Enc.Open(tok.AccessToken); err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		if tok.RefreshToken, err = s.Enc.Open(tok.RefreshToken); err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return tok, nil
}
