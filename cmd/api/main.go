package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/sceneforge/sceneforge/internal/adapter/repo"
	"github.com/sceneforge/sceneforge/internal/credentials"
	"github.com/sceneforge/sceneforge/internal/domain"
	"github.com/sceneforge/sceneforge/internal/http/handlers"
	"github.com/sceneforge/sceneforge/internal/http/httpapi"
	"github.com/sceneforge/sceneforge/internal/infra"
	"github.com/sceneforge/sceneforge/internal/orchestrator"
	"github.com/sceneforge/sceneforge/internal/quota"
	"github.com/sceneforge/sceneforge/internal/scheduler"
	"github.com/sceneforge/sceneforge/internal/stream"
	"github.com/sceneforge/sceneforge/internal/upstream"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx := context.Background()

	// DATABASE_URL is optional: without it quota counters, credentials and
	// job history run in memory and vanish on restart.
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer pool.Close()
		if err := infra.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply database schema")
		}
	}

	seed := domain.Allocation{Single: cfg.AllocSingle, Batch: cfg.AllocBatch, Frame: cfg.AllocFrame}
	var store quota.Store
	if pool != nil {
		store, err = quota.NewPostgresStore(ctx, pool, seed)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize quota store")
		}
	} else {
		logger.Warn().Msg("no database configured, quota and credentials are in-memory only")
		store = quota.NewMemoryStore(seed)
	}
	ledger := quota.NewLedger(store, cfg.DailyBudget, quota.WithPrivilegedUsers(cfg.PrivilegedUsers))

	creds := credentials.NewStore(pool, cfg.UpstreamToken)
	client, err := upstream.NewClient(upstream.Options{
		StatusURL:  cfg.UpstreamStatusURL,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Tokens:     creds,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure upstream client")
	}

	events := stream.NewBroadcaster(logger)

	var audit orchestrator.AuditLog
	var history *repo.JobRepositoryPG
	if pool != nil {
		history = repo.NewJobRepository(pool)
		audit = history
	}

	orc, err := orchestrator.New(orchestrator.Options{
		Ledger:   ledger,
		Upstream: client,
		Events:   events,
		Models:   domain.DefaultModelCatalog(),
		Scheduler: scheduler.Config{
			InitialDelay:      cfg.PollInitialDelay,
			PollInterval:      cfg.PollInterval,
			MaxAttempts:       cfg.PollMaxAttempts,
			BackoffInitial:    cfg.BackoffInitial,
			BackoffMultiplier: cfg.BackoffMultiplier,
			BackoffMax:        cfg.BackoffMax,
		},
		Audit:         audit,
		Logger:        logger,
		EvictionGrace: cfg.EvictionGrace,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create orchestrator")
	}
	defer orc.Close()

	app := handlers.NewApp(orc, ledger, events, history, logger)
	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
