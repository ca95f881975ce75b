package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/itbasis/go-clock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fifthgg/matchmaking/internal/auth/jwt"
	"github.com/fifthgg/matchmaking/internal/availability"
	"github.com/fifthgg/matchmaking/internal/config"
	"github.com/fifthgg/matchmaking/internal/db/repository"
	"github.com/fifthgg/matchmaking/internal/logging"
	"github.com/fifthgg/matchmaking/internal/matchmaker"
	"github.com/fifthgg/matchmaking/internal/metrics"
	"github.com/fifthgg/matchmaking/internal/registry"
	"github.com/fifthgg/matchmaking/internal/server"
	"github.com/fifthgg/matchmaking/internal/session"
	ws "github.com/fifthgg/matchmaking/pkg/http/ws"
)

// Application aggregates shared infrastructure (DB, cache, HTTP server).
type Application struct {
	cfg    *config.App
	logger zerolog.Logger

	pool  *pgxpool.Pool
	redis *redis.Client
	http  *http.Server

	gateway   *session.Gateway
	relay     *session.Relay
	bgCancels []context.CancelFunc
}

// New bootstraps logger, stores, Redis and the HTTP server from cfg.
func New(ctx context.Context, cfg *config.App) (*Application, error) {
	return build(ctx, cfg, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg *config.App, reg prometheus.Registerer) (*Application, error) {
	logger := logging.New(cfg.Name, cfg.Env, cfg.LogLevel)
	logger.Info().
		Str("store", cfg.StoreBackend).
		Str("pool", cfg.Matchmaking.PoolBackend).
		Str("lock", cfg.Matchmaking.LockBackend).
		Str("fanout", cfg.Session.Fanout).
		Int("match_size", cfg.EffectiveMatchSize()).
		Msg("starting application bootstrap")

	a := &Application{
		cfg:       cfg,
		logger:    logger,
		bgCancels: make([]context.CancelFunc, 0, 2),
	}

	clk := clock.New()
	var (
		pool      availability.Store
		matches   registry.Store
		directory session.Directory
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pgPool, err := pgxpool.New(ctx, cfg.Postgres.ConnString())
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.pool = pgPool
		pool = repository.NewAvailabilityRepository(pgPool, clk)
		matches = repository.NewMatchRepository(pgPool)
		directory = repository.NewDirectoryRepository(pgPool)
	default:
		logger.Warn().Msg("using in-memory stores; state is lost on restart")
		pool = availability.NewMemoryStore(clk)
		matches = registry.NewMemoryStore(clk)
		directory = session.NewStaticDirectory()
	}

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	}

	if cfg.Matchmaking.PoolBackend == config.BackendRedis {
		pool = availability.NewRedisStore(a.redis, cfg.Matchmaking.PoolPrefix, clk)
	}

	var locker matchmaker.Locker = matchmaker.NewLocalLocker()
	if cfg.Matchmaking.LockBackend == config.BackendRedis {
		locker = matchmaker.NewRedisLocker(a.redis, matchmaker.RedisLockerOptions{
			TTL:     cfg.Matchmaking.LockTTL,
			MaxWait: cfg.Matchmaking.LockWait,
		}, logger)
	}

	m := metrics.New(reg)
	hub := ws.NewHub(logger)
	sessions := session.NewRegistry(clk)

	var publisher session.Publisher = session.NewLocalPublisher(sessions, hub, logger)
	if cfg.Session.Fanout == config.BackendRedis {
		a.relay = session.NewRelay(a.redis, publisher, cfg.Session.Channel, logger)
		publisher = session.NewRedisPublisher(a.redis, cfg.Session.Channel)
	}

	mm := matchmaker.New(pool, matches, locker, matchmaker.Options{
		MatchSize:             cfg.EffectiveMatchSize(),
		RequireExplicitAccept: cfg.Matchmaking.RequireExplicitAccept,
		MaxClaimAttempts:      cfg.Matchmaking.MaxClaimAttempts,
		Recorder:              m,
	}, logger)

	a.gateway = session.NewGateway(session.Deps{
		Pool:       pool,
		Matches:    matches,
		Matchmaker: mm,
		Locker:     locker,
		Registry:   sessions,
		Publisher:  publisher,
		Directory:  directory,
	}, session.Options{
		IdleTimeout: cfg.Session.IdleTimeout,
		Recorder:    m,
	}, logger)

	tokens := jwt.NewManager(jwt.TokenConfig{
		AccessSecret: []byte(cfg.Security.JWTSecret),
		Issuer:       cfg.Security.JWTIssuer,
	})
	wsHandler := session.NewHandler(a.gateway, hub, tokens, server.NewUpgrader(cfg.CORS.AllowedOrigins), logger)

	a.http = server.NewHTTPServer(cfg, logger, server.Deps{
		Pool:      a.pool,
		Redis:     a.redis,
		Tokens:    tokens,
		API:       server.NewAPIHandlers(matches, pool, logger),
		WSHandler: wsHandler.HandleWebSocket,
	})

	return a, nil
}

// Run starts the HTTP server and waits for termination signals.
func (a *Application) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	a.startBackgroundWorkers(ctx)

	go func() {
		a.logger.Info().Str("addr", a.cfg.HTTPAddr).Msg("http server listening")
		if err := a.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		a.logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		runErr = fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
		a.logger.Warn().Msg("context canceled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.GracefulShutdownTimeout)
	defer cancel()

	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("http shutdown error")
	}

	for _, cancel := range a.bgCancels {
		cancel()
	}

	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error().Err(err).Msg("redis shutdown error")
		}
	}

	a.logger.Info().Msg("shutdown complete")
	return runErr
}

func (a *Application) startBackgroundWorkers(ctx context.Context) {
	if interval := a.cfg.Session.ReapInterval; interval > 0 {
		bgCtx, cancel := context.WithCancel(ctx)
		a.bgCancels = append(a.bgCancels, cancel)
		go func() {
			if err := a.gateway.RunReaper(bgCtx, interval); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn().Err(err).Msg("session reaper stopped")
			}
		}()
	}

	if a.relay != nil {
		bgCtx, cancel := context.WithCancel(ctx)
		a.bgCancels = append(a.bgCancels, cancel)
		go func() {
			if err := a.relay.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn().Err(err).Msg("session relay stopped")
			}
		}()
	}
}
