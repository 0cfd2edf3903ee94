package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kora-suite/kora-access/internal/access"
	"github.com/kora-suite/kora-access/internal/app"
	"github.com/kora-suite/kora-access/internal/auth"
	"github.com/kora-suite/kora-access/internal/directory"
	"github.com/kora-suite/kora-access/internal/observability"
	"github.com/kora-suite/kora-access/internal/platform/cache"
	"github.com/kora-suite/kora-access/internal/platform/db"
	"github.com/kora-suite/kora-access/internal/shared"
)

func main() {
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
		logger.Error("connect database", slog.Any("error", err))
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

	metrics := observability.NewMetrics()
	sessions := shared.NewSessionManager(redisClient, "kora_session", cfg.SessionTTL, cfg.IsProduction())

	accessRepo := access.NewRepository(pool)
	decisionCache := access.NewDecisionCache(redisClient, cfg.DecisionCacheTTL, logger)
	auditWriter := access.NewAuditWriter(accessRepo, cfg.AuditBuffer, logger)

	auditCtx, auditCancel := context.WithCancel(context.Background())
	go auditWriter.Run(auditCtx)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetAuditDropped(uint64(auditWriter.Dropped()))
			}
		}
	}()

	engine := access.NewEngine(accessRepo, decisionCache, auditWriter, logger, access.EngineConfig{
		BootstrapAliases: cfg.BootstrapAliases(),
		SuperAdminRoles:  cfg.SuperAdminRoleCodes(),
		Observer:         metrics,
	})
	guard := access.Middleware{Engine: engine, Logger: logger}

	adminService := access.NewAdminService(accessRepo, decisionCache, logger)
	accessHandler := access.NewHandler(logger, engine, adminService, guard)

	authRepo := auth.NewRepository(pool)
	authService := auth.NewService(authRepo)
	authHandler := auth.NewHandler(logger, authService, sessions)

	directoryRepo := directory.NewRepository(pool)
	directoryService := directory.NewService(directoryRepo, decisionCache, logger)
	directoryHandler := directory.NewHandler(logger, directoryService,
		guard.RequireManager(access.AppParametre, access.ActionManagePermissions))

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		SessionManager:   sessions,
		AuthHandler:      authHandler,
		AccessHandler:    accessHandler,
		DirectoryHandler: directoryHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", cfg.AppAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server run", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", slog.Any("error", err))
	}

	// Stop the audit writer last so in-flight decisions still get recorded.
	auditCancel()
	auditWriter.Wait()
}
