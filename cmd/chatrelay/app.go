package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/matiasleandrokruk/chatrelay/internal/api"
	"github.com/matiasleandrokruk/chatrelay/internal/api/handlers"
	"github.com/matiasleandrokruk/chatrelay/internal/domain/chat"
	"github.com/matiasleandrokruk/chatrelay/internal/domain/conversation"
	"github.com/matiasleandrokruk/chatrelay/internal/domain/ratelimit"
	"github.com/matiasleandrokruk/chatrelay/internal/domain/usage"
	"github.com/matiasleandrokruk/chatrelay/internal/infra/config"
	"github.com/matiasleandrokruk/chatrelay/internal/infra/eventbus"
	"github.com/matiasleandrokruk/chatrelay/internal/infra/llm"
	"github.com/matiasleandrokruk/chatrelay/internal/infra/sqlite"
	"github.com/matiasleandrokruk/chatrelay/internal/server"
	pkgauth "github.com/matiasleandrokruk/chatrelay/pkg/auth"
)

// recorderDrainTimeout bounds how long shutdown waits for queued ledger records.
const recorderDrainTimeout = 5 * time.Second

// app is the fully wired relay.
type app struct {
	cfg      config.Config
	registry *llm.Registry
	orch     *chat.Orchestrator
	bus      *eventbus.Bus
	recorder *usage.Recorder
	db       *sql.DB
	redis    *redis.Client
	router   http.Handler
}

// newApp builds every component from cfg. factory may be nil for the HTTP adapters.
func newApp(ctx context.Context, cfg config.Config, factory llm.Factory) (*app, error) {
	if factory == nil {
		factory = llm.DefaultFactory(cfg.Limits.UpstreamTimeout)
	}
	registry, err := llm.NewRegistry(cfg.Bindings(), factory)
	if err != nil {
		return nil, errors.Wrap(err, "build provider registry")
	}

	a := &app{cfg: cfg, registry: registry, bus: eventbus.New()}

	limiter, err := a.newLimiter(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	var tokens usage.TokenCounter = usage.EstimateCounter{}
	if codec, cerr := usage.NewCodecCounter(); cerr == nil {
		tokens = codec
	} else {
		log.Warn().Err(cerr).Str("component", "app").Msg("tokenizer unavailable, estimating tokens")
	}

	if cfg.Ledger.SQLitePath != "" {
		db, err := sqlite.NewDB(cfg.Ledger.SQLitePath)
		if err != nil {
			a.close()
			return nil, errors.Wrap(err, "open ledger")
		}
		a.db = db
		if err := sqlite.MigrateUp(ctx, db); err != nil {
			a.close()
			return nil, errors.Wrap(err, "migrate ledger")
		}
		a.recorder = usage.NewRecorder(db)
	}

	a.orch = chat.NewOrchestrator(chat.Deps{
		Store:    conversation.NewStore(),
		Limiter:  limiter,
		Registry: registry,
		Bus:      a.bus,
		Tokens:   tokens,
	}, chat.Config{
		MaxMessageRunes:      cfg.Limits.MaxMessageChars,
		MaxSystemPromptRunes: cfg.Limits.MaxSystemPromptChars,
		UpstreamTimeout:      cfg.Limits.UpstreamTimeout,
		ConversationTTL:      cfg.Limits.ConversationTTL,
		MaxTokens:            cfg.Limits.MaxTokens,
		CompleteOnDisconnect: *cfg.Stream.CompleteOnDisconnect,
	})

	deps := api.Deps{
		Chat:      a.orch,
		Verifier:  pkgauth.NewAuthenticator(jwtSecret(cfg), cfg.Auth.APIKeys),
		IsAdmin:   cfg.IsAdmin,
		Providers: registry,
		Options: handlers.ChatOptions{
			MaxBodyBytes:   cfg.Limits.MaxBodyBytes,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		},
	}
	// A nil *usage.Recorder in the interface would look non-nil to the handlers.
	if a.recorder != nil {
		deps.Ledger = a.recorder
	}
	a.router = api.NewRouter(deps)
	return a, nil
}

func (a *app) newLimiter(ctx context.Context) (ratelimit.Admitter, error) {
	l := a.cfg.Limits
	if a.cfg.RateLimit.Backend != config.BackendRedis {
		return ratelimit.NewSlidingWindow(l.RequestsPerWindow, l.Window), nil
	}

	a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.RateLimit.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Wrapf(err, "redis %s", a.cfg.RateLimit.RedisAddr)
	}
	return ratelimit.NewRedisWindow(a.redis, a.cfg.RateLimit.RedisPrefix, l.RequestsPerWindow, l.Window), nil
}

// jwtSecret prefers auth.jwt_secret and falls back to JWT_SECRET.
func jwtSecret(cfg config.Config) []byte {
	if cfg.Auth.JWTSecret != "" {
		return []byte(cfg.Auth.JWTSecret)
	}
	return pkgauth.JWTSecretFromEnv()
}

// run serves HTTP and runs the janitor until ctx is done, then drains the ledger.
func (a *app) run(ctx context.Context) error {
	defer a.close()

	// The recorder outlives ctx so records published during shutdown still land.
	recCtx, recCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer recCancel()
	var recDone <-chan struct{}
	if a.recorder != nil {
		recDone = a.recorder.Start(recCtx, a.bus)
	}

	srv := server.NewServer(a.router, server.Config{
		Host:              a.cfg.Server.Host,
		Port:              a.cfg.Server.Port,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   a.cfg.Server.ShutdownTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndRun(gctx) })
	g.Go(func() error {
		a.orch.Janitor(a.cfg.Janitor.Interval).Run(gctx)
		return nil
	})
	err := g.Wait()

	a.bus.Close()
	if recDone != nil {
		select {
		case <-recDone:
		case <-time.After(recorderDrainTimeout):
			log.Warn().Str("component", "app").Msg("ledger drain timed out")
		}
	}
	if dropped := a.bus.Dropped(); dropped > 0 {
		log.Warn().Str("component", "app").Int64("dropped", dropped).Msg("ledger records dropped")
	}
	return err
}

func (a *app) close() {
	a.bus.Close()
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Error().Err(err).Str("component", "app").Msg("close ledger")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Error().Err(err).Str("component", "app").Msg("close redis")
		}
	}
}
