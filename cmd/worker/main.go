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

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/watchpost/watchpost/internal/app"
	jobmetrics "github.com/watchpost/watchpost/internal/jobs"
	"github.com/watchpost/watchpost/internal/observability"
	"github.com/watchpost/watchpost/internal/platform/cache"
	"github.com/watchpost/watchpost/internal/platform/db"
	"github.com/watchpost/watchpost/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return 1
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, db.PoolConfig{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	client := jobs.NewClient(redisOpts, cfg.NotifyMaxAttempts)
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	runMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	services := app.NewServices(app.ServiceDeps{
		Config:   cfg,
		Logger:   logger,
		Pool:     pool,
		Redis:    redisClient,
		Enqueuer: client,
		Metrics:  metrics,
	})

	notifyJob := &jobs.NotifyJob{Deliverer: services.Incidents, MaxAttempts: cfg.NotifyMaxAttempts, Logger: logger, Metrics: runMetrics}
	dispatchJob := &jobs.DispatchJob{Commands: services.Commands, Logger: logger, Metrics: runMetrics}
	sweepJob := &jobs.SweepJob{Commands: services.Commands, Logger: logger, Metrics: runMetrics}
	cleanupDefaults := jobs.CleanupPayload{IdempotencyTTL: cfg.IdempotencyTTL, StalePending: 10 * time.Minute}
	cleanupJob := &jobs.CleanupJob{Keys: services.Idempotency, Outbox: services.Incidents, Defaults: cleanupDefaults, Logger: logger, Metrics: runMetrics}

	cleanupTask, err := jobs.NewCleanupTask(cleanupDefaults)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		return 1
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Backoff:     jobs.Backoff{Base: cfg.NotifyBaseBackoff, Ceiling: cfg.NotifyMaxBackoff},
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskNotifyDeliver, Handler: notifyJob.Handle},
			{Type: jobs.TaskCommandsDispatch, Handler: dispatchJob.Handle},
			{Type: jobs.TaskCommandsSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskMaintenanceCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.CommandSweepSpec, Task: jobs.NewSweepTask(), Options: []asynq.Option{asynq.MaxRetry(0)}},
			{Spec: cfg.CleanupSpec, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		return 1
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return worker.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("serving worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		return 1
	}
	return 0
}
