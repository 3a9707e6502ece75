package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/nimbus-cp/nimbus/internal/app"
	"github.com/nimbus-cp/nimbus/internal/audit"
	jobmetrics "github.com/nimbus-cp/nimbus/internal/jobs"
	"github.com/nimbus-cp/nimbus/internal/observability"
	"github.com/nimbus-cp/nimbus/internal/platform/db"
	"github.com/nimbus-cp/nimbus/internal/shared"
	"github.com/nimbus-cp/nimbus/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	appMetrics := observability.NewMetrics()
	metrics := jobmetrics.NewMetrics(appMetrics.Registerer())
	lock := shared.NewJobLock(redisClient)

	auditRepo := audit.NewRepository(pool)
	writeJob := jobs.NewAuditWriteJob(auditRepo, logger, metrics, appMetrics)
	retentionJob := jobs.NewRetentionSweepJob(auditRepo, lock, logger, metrics)
	anomalyJob := jobs.NewAnomalyScanJob(auditRepo, lock, logger, metrics, appMetrics)

	retentionTask, err := jobs.NewRetentionTask(jobs.RetentionPayload{
		RetentionDays: cfg.AuditRetentionDays,
	})
	if err != nil {
		logger.Error("build retention task", slog.Any("error", err))
		os.Exit(1)
	}
	anomalyTask, err := jobs.NewAnomalyTask(jobs.AnomalyPayload{
		WindowHours:          cfg.AnomalyWindowHours,
		FailedLoginThreshold: cfg.AnomalyFailedLogins,
		HighActivityCount:    cfg.AnomalyHighActivityCount,
		DistinctIPThreshold:  cfg.AnomalyDistinctIPs,
	})
	if err != nil {
		logger.Error("build anomaly task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		Logger: logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuditWrite, Handler: writeJob.Handle},
			{Type: jobs.TaskAuditRetention, Handler: retentionJob.Handle},
			{Type: jobs.TaskAuditAnomaly, Handler: anomalyJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 3 * * *", Task: retentionTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 * * * *", Task: anomalyTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker starting")
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
