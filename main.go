// Command stream-herald relays Twitch go-live notifications to a Discord webhook or a
// Slack channel and keeps each message in step with the stream. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Waits for a stored Twitch user token (captured via /auth/twitch/start).
//   - Subscribes to stream.online, channel.update and stream.offline over EventSub.
//   - Polls archive videos to attach the VOD to finished streams.
//   - Exposes /healthz, /readyz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/stream-herald/config"
	"github.com/onnwee/stream-herald/crypto"
	"github.com/onnwee/stream-herald/db"
	"github.com/onnwee/stream-herald/dedup"
	"github.com/onnwee/stream-herald/eventsub"
	"github.com/onnwee/stream-herald/ledger"
	"github.com/onnwee/stream-herald/lifecycle"
	"github.com/onnwee/stream-herald/notify"
	"github.com/onnwee/stream-herald/oauth"
	"github.com/onnwee/stream-herald/server"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/twitchapi"
)

const version = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))

	if err := run(); err != nil {
		slog.Error("stream-herald exited", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("stream-herald", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ledger
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	// Versioned migrations first; databases created before them fall back to embedded SQL.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL", slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			return fmt.Errorf("migrate db (both versioned and embedded SQL failed): %w", err)
		}
	}
	store := ledger.New(database)

	tokens := &db.TokenStore{DB: database}
	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
		tokens.Enc = enc
	} else {
		slog.Warn("ENCRYPTION_KEY not set - OAuth tokens are stored in plaintext")
	}

	hc := &http.Client{Timeout: cfg.HTTPTimeout}
	sink := newSink(cfg, hc)

	// Platform client
	oc := twitchapi.OAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchScopes)
	userTokens := &twitchapi.UserTokenSource{
		Config: oc,
		Store:  tokens,
		Ctx:    context.WithValue(ctx, oauth2.HTTPClient, hc),
	}
	helix := &twitchapi.HelixClient{
		AppTokens:  twitchapi.NewAppTokenSource(ctx, cfg.TwitchClientID, cfg.TwitchClientSecret, hc),
		UserTokens: userTokens,
		ClientID:   cfg.TwitchClientID,
		HTTPClient: hc,
	}
	broadcasters, err := resolveChannels(ctx, helix, cfg.TwitchChannels)
	if err != nil {
		return err
	}

	var dd eventsub.Deduper
	if cfg.RedisAddr != "" {
		rdb, err := dedup.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DedupTTL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		dd = rdb
		slog.Info("eventsub dedup backed by redis", slog.String("addr", cfg.RedisAddr))
	} else {
		dd = dedup.NewMemory(cfg.DedupTTL)
	}

	locks := lifecycle.NewChannelLocks()
	tracker := lifecycle.NewTracker(store, sink, helix, cfg.LiveAnnouncement, locks)
	reconciler := lifecycle.NewReconciler(store, sink, helix, cfg.ReconcileMaxAge, locks)
	es := &eventsub.Client{
		Broadcasters: broadcasters,
		Subscriber:   helix,
		Handler:      tracker,
		Dedup:        dd,
	}

	// EventSub subscriptions need the user token; hold them until one is stored.
	tokenReady := make(chan struct{})
	var once sync.Once
	markReady := func() { once.Do(func() { close(tokenReady) }) }
	if tok, err := tokens.Load(ctx, twitchapi.ProviderTwitch); err != nil {
		slog.Warn("loading stored user token failed", slog.Any("err", err))
	} else if tok != nil {
		markReady()
	}

	handlers := server.NewHandlers(server.Options{
		DB:         database,
		Sessions:   store,
		EventSub:   es,
		Tokens:     tokens,
		OAuth:      oc,
		UserTokens: userTokens,
		OnToken:    markReady,
		AdminToken: cfg.AdminToken,
		Channels:   cfg.TwitchChannels,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx, cfg.HTTPAddr, server.NewMux(handlers)) })
	g.Go(func() error {
		select {
		case <-tokenReady:
		default:
			slog.Warn("no twitch user token stored; authorize at "+strings.TrimSuffix(cfg.TwitchRedirectURI, "/callback")+"/start", slog.String("component", "eventsub"))
			select {
			case <-tokenReady:
			case <-gctx.Done():
				return nil
			}
		}
		slog.Info("starting eventsub", slog.Int("channels", len(broadcasters)))
		return es.Run(gctx)
	})
	g.Go(func() error {
		lifecycle.StartReconcileJob(gctx, reconciler, cfg.ReconcileInterval)
		return nil
	})
	g.Go(func() error {
		oauth.RunRefresher(gctx, userTokens, 5*time.Minute, 15*time.Minute)
		return nil
	})

	slog.Info("stream-herald started", slog.Any("channels", cfg.TwitchChannels), slog.String("sink", cfg.NotifySink))
	err = g.Wait()
	slog.Info("shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newSink(cfg *config.Config, hc *http.Client) notify.Sink {
	if cfg.NotifySink == config.SinkSlack {
		return notify.NewSlack(cfg.SlackBotToken, cfg.SlackChannelID, "", hc)
	}
	return notify.NewDiscord(cfg.WebhookURL, hc)
}

// resolveChannels maps configured logins to broadcaster user ids. Unknown logins are
// logged and skipped; it fails only when none resolve.
func resolveChannels(ctx context.Context, helix *twitchapi.HelixClient, logins []string) ([]string, error) {
	ids := make([]string, 0, len(logins))
	for _, login := range logins {
		u, err := helix.GetUserByLogin(ctx, login)
		if err != nil {
			slog.Error("could not resolve channel", slog.String("login", login), slog.Any("err", err))
			continue
		}
		slog.Info("channel resolved", slog.String("login", login), slog.String("user_id", u.ID))
		ids = append(ids, u.ID)
	}
	if len(ids) == 0 {
		return nil, errors.New("none of TWITCH_CHANNELS could be resolved")
	}
	return ids, nil
}
