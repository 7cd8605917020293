package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/curia-hub/curia-hub/internal/app"
	"github.com/curia-hub/curia-hub/internal/audit"
	"github.com/curia-hub/curia-hub/internal/auth"
	"github.com/curia-hub/curia-hub/internal/identity"
	"github.com/curia-hub/curia-hub/internal/observability"
	"github.com/curia-hub/curia-hub/internal/platform/cache"
	"github.com/curia-hub/curia-hub/internal/platform/db"
	"github.com/curia-hub/curia-hub/internal/shared"
	"github.com/curia-hub/curia-hub/internal/staff"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "curia_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()

	auditSink := audit.NewSink(pool, asynqClient, logger)
	identityProvider := identity.NewProvider(pool, sessionManager, logger)

	staffRepo := staff.NewRepository(pool)
	historyCache := staff.NewHistoryCache(redisClient, cfg.HistoryCacheTTL)
	engine := staff.NewService(staffRepo, auditSink, identityProvider, historyCache, logger)
	registration := staff.NewRegistrationService(staffRepo, identityProvider, auditSink, logger)
	queries := staff.NewQueryService(staffRepo, historyCache)
	staffHandler := staff.NewHandler(logger, registration, engine, queries)

	authRepo := auth.NewRepository(pool)
	authService := auth.NewService(identityProvider, staffRepo, authRepo)
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager)

	auditHandler := audit.NewHandler(logger, auditSink)
	metrics := observability.NewMetrics()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		AuthHandler:    authHandler,
		StaffHandler:   staffHandler,
		AuditHandler:   auditHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
