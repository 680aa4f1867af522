// Package main provides a CLI tool to migrate stored OAuth tokens from plaintext to
// encrypted storage.
//
// It re-saves every row with encryption_version=0 through the AES-256-GCM token store.
// ENCRYPTION_KEY must be the key the relay will run with.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--provider PROVIDER]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/stream-herald/crypto"
	"github.com/onnwee/stream-herald/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	provider := flag.String("provider", "", "Migrate the token of one provider only (default: all)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	enc, err := crypto.NewAESEncryptor(key)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	if _, err := migrateTokens(ctx, database, enc, *dryRun, *provider); err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := reportStatus(ctx, database); err != nil {
		slog.Warn("status query failed", slog.Any("err", err))
	}
}

// migrateTokens encrypts every plaintext token and returns the number migrated
// (or that would be, with dryRun).
func migrateTokens(ctx context.Context, database *sql.DB, enc crypto.Encryptor, dryRun bool, provider string) (int, error) {
	query := `SELECT provider, COALESCE(scope, '') FROM oauth_tokens WHERE COALESCE(encryption_version, 0) = 0`
	var args []any
	if provider != "" {
		query += ` AND provider = $1`
		args = append(args, provider)
	}
	rows, err := database.QueryContext(ctx, query+` ORDER BY provider`, args...)
	if err != nil {
		return 0, fmt.Errorf("query plaintext tokens: %w", err)
	}
	type pending struct{ provider, scope string }
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.provider, &p.scope); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan token row: %w", err)
		}
		todo = append(todo, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate token rows: %w", err)
	}
	if len(todo) == 0 {
		slog.Info("no plaintext tokens found to migrate")
		return 0, nil
	}
	slog.Info("found plaintext tokens to migrate", slog.Int("count", len(todo)), slog.Bool("dry_run", dryRun))

	plain := &db.TokenStore{DB: database}
	sealed := &db.TokenStore{DB: database, Enc: enc}
	migrated, failed := 0, 0
	for _, p := range todo {
		log := slog.With(slog.String("provider", p.provider))
		if dryRun {
			log.Info("would migrate token (dry-run)")
			migrated++
			continue
		}
		tok, err := plain.Load(ctx, p.provider)
		if err == nil && tok == nil {
			err = fmt.Errorf("token row vanished")
		}
		if err == nil {
			err = sealed.Save(ctx, p.provider, tok, p.scope)
		}
		if err != nil {
			log.Error("failed to migrate token", slog.Any("err", err))
			failed++
			continue
		}
		log.Info("migrated token successfully")
		migrated++
	}
	slog.Info("migration summary", slog.Int("total", len(todo)), slog.Int("migrated", migrated), slog.Int("errors", failed), slog.Bool("dry_run", dryRun))
	if failed > 0 {
		return migrated, fmt.Errorf("migration completed with %d errors", failed)
	}
	return migrated, nil
}

// reportStatus logs how many tokens are stored per encryption version.
func reportStatus(ctx context.Context, database *sql.DB) error {
	rows, err := database.QueryContext(ctx, `SELECT COALESCE(encryption_version, 0), COUNT(*) FROM oauth_tokens GROUP BY 1 ORDER BY 1`)
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version, count int
		if err := rows.Scan(&version, &count); err != nil {
			return fmt.Errorf("scan status row: %w", err)
		}
		desc := "plaintext"
		if version == 1 {
			desc = "encrypted (AES-256-GCM)"
		}
		slog.Info("token encryption status", slog.Int("version", version), slog.String("description", desc), slog.Int("count", count))
	}
	return rows.Err()
}
