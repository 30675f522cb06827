// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace-billing/internal/config"
	pg "marketplace-billing/internal/infra/db/postgres"
	"marketplace-billing/internal/infra/logging"
	"marketplace-billing/internal/infra/metrics"
	red "marketplace-billing/internal/infra/redis"
	"marketplace-billing/internal/infra/sched"
	"marketplace-billing/internal/infra/security"
	"marketplace-billing/internal/infra/web"
	"marketplace-billing/internal/infra/webhook"
	"marketplace-billing/internal/infra/worker"
	"marketplace-billing/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (relaxed validation, console logs)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		println("config:", err.Error())
		os.Exit(1)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("dev mode enabled")
	}
	metrics.MustRegister()

	// ---- Migrations ----
	if cfg.Database.MigrateOnBoot {
		if err := pg.MigrateUp(cfg.Database.MigrationsPath, cfg.Database.URL); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
		logger.Info().Msg("migrations applied")
	}

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connect failed")
	}
	defer pool.Close()

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connect failed")
	}
	defer redisClient.Close()
	locker := red.NewLocker(redisClient)
	rateLimiter := red.NewRateLimiter(redisClient)

	// ---- Repositories ----
	eventRepo := pg.NewEventRepo(pool)
	accountRepo := pg.NewAccountRepo(pool)
	mappingRepo := pg.NewPlanMappingRepo(pool)
	subRepo := pg.NewSubscriptionRepo(pool)
	txManager := pg.NewTxManager(pool)

	// ---- Use cases ----
	hasher := security.NewCredentialHasher(0)
	accountUC := usecase.NewAccountUseCase(accountRepo, hasher, logger)
	mappingUC := usecase.NewPlanMappingUseCase(mappingRepo, logger)
	ingestUC := usecase.NewIngestUseCase(eventRepo, logger)
	statsUC := usecase.NewStatsUseCase(accountRepo, eventRepo, subRepo)
	reconcileUC := usecase.NewReconcileUseCase(
		eventRepo, accountRepo, subRepo, accountUC, mappingUC, txManager, locker,
		usecase.ReconcileOptions{
			MaxAttempts:  cfg.Reconcile.MaxAttempts,
			RetryBackoff: cfg.Reconcile.RetryBackoff,
			LockTTL:      cfg.Redis.LockTTL,
			StaleAfter:   cfg.Reconcile.StaleAfter,
		},
		logger,
	)

	// ---- Worker pool ----
	workerPool := worker.NewPool(cfg.Reconcile.Workers, logger)
	workerPool.Start(ctx)
	defer workerPool.Stop()

	// ---- Schedulers ----
	retrySched := sched.NewRetryScheduler(
		eventRepo, reconcileUC, workerPool,
		cfg.Reconcile.RetryInterval, cfg.Reconcile.AttemptTimeout, cfg.Reconcile.StaleAfter,
		cfg.Reconcile.MaxAttempts,
		logger,
	)
	go retrySched.Start(ctx)

	expiry := sched.NewExpiryWorker(cfg.Reconcile.ExpiryInterval, accountRepo, subRepo, logger)
	go func() { _ = expiry.Run(ctx) }()

	// ---- Webhook listener ----
	whServer := webhook.NewServer(&cfg.Webhook, ingestUC, reconcileUC, workerPool, rateLimiter, cfg.Reconcile.AttemptTimeout, logger)
	go func() {
		if err := whServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("webhook server failed")
		}
	}()

	// ---- Admin API ----
	auth := web.NewAuthManager(cfg.Admin.JWTSecret, !cfg.Runtime.Dev, "", cfg.Admin.SessionTTL)
	adminServer := web.NewServer(&cfg.Admin, auth, eventRepo, reconcileUC, mappingUC, statsUC, logger)
	go func() {
		if err := adminServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("admin server failed")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := whServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("webhook shutdown error")
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("admin shutdown error")
	}
	cancel()
}
