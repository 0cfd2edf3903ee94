package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/kora-suite/kora-access/internal/access"
	"github.com/kora-suite/kora-access/internal/app"
	"github.com/kora-suite/kora-access/internal/platform/cache"
	"github.com/kora-suite/kora-access/internal/platform/db"
	"github.com/kora-suite/kora-access/jobs"
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

	accessRepo := access.NewRepository(pool)
	decisionCache := access.NewDecisionCache(redisClient, cfg.DecisionCacheTTL, logger)
	engine := access.NewEngine(accessRepo, decisionCache, access.SyncAuditor{Inserter: accessRepo, Logger: logger}, logger, access.EngineConfig{
		BootstrapAliases: cfg.BootstrapAliases(),
		SuperAdminRoles:  cfg.SuperAdminRoleCodes(),
	})
	adminService := access.NewAdminService(accessRepo, decisionCache, logger)

	pruneJob := &jobs.AuditPruneJob{
		Admin:            adminService,
		Logger:           logger,
		DefaultRetention: cfg.AuditRetention,
	}
	warmJob := &jobs.PermissionWarmJob{
		Engine: engine,
		Repo:   accessRepo,
		Logger: logger,
	}

	pruneTask, err := jobs.NewAuditPruneTask(jobs.AuditPrunePayload{})
	if err != nil {
		logger.Error("build prune task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuditPrune, Handler: pruneJob.Handle},
			{Type: jobs.TaskPermissionWarm, Handler: warmJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "45 2 * * *", Task: pruneTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
