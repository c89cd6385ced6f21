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
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/cashdesk/internal/app"
	"github.com/odyssey-erp/cashdesk/internal/observability"
	"github.com/odyssey-erp/cashdesk/internal/platform/cache"
	"github.com/odyssey-erp/cashdesk/internal/platform/httpx"
	"github.com/odyssey-erp/cashdesk/internal/register"
	registerhttp "github.com/odyssey-erp/cashdesk/internal/register/http"
	"github.com/odyssey-erp/cashdesk/internal/shared"
	"github.com/odyssey-erp/cashdesk/jobs"
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

	storage, err := app.OpenStorage(ctx, cfg, logger)
	if err != nil {
		logger.Error("open storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer storage.Close()

	metrics := observability.NewMetrics()

	service := register.NewService(storage.Repo, logger)
	service.WithRecorder(metrics.Register())

	health := map[string]app.HealthCheck{
		"storage": func(r *http.Request) error { return storage.Ping(r.Context()) },
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = cache.New(ctx, cfg.RedisAddr, cache.Options{PoolSize: 20, ReadTimeout: time.Second, WriteTimeout: time.Second})
		if err != nil {
			logger.Error("connect redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		service.WithLocker(shared.NewRedisLocker(redisClient, cfg.RegisterLockTTL, cfg.RegisterLockWait))
		health["redis"] = func(r *http.Request) error { return redisClient.Ping(r.Context()).Err() }
	} else {
		logger.Warn("REDIS_ADDR empty; till lock and job queue disabled")
	}

	var jobHandler *jobs.Handler
	if cfg.RedisAddr != "" {
		queue, err := jobs.NewClient(cache.QueueOpt(cfg.RedisAddr))
		if err != nil {
			logger.Error("init job client", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := queue.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		service.WithNotifier(jobs.CloseNotifier{Queue: queue})

		inspector := asynq.NewInspector(cache.QueueOpt(cfg.RedisAddr))
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	messages := httpx.NewLocalizer(cfg.DefaultLocale)
	opts := registerhttp.Options{Messages: messages}
	if storage.Durable() {
		auditLogger := shared.NewAuditLogger(storage.Pool)
		service.WithAudit(auditLogger)
		opts.Audit = auditLogger
		opts.Idempotency = shared.NewIdempotencyStore(storage.Pool)
	}
	registerHandler := registerhttp.NewHandler(logger, service, opts)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Messages:        messages,
		RegisterHandler: registerHandler,
		JobHandler:      jobHandler,
		Metrics:         metrics,
		Health:          health,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("storage", cfg.StorageDriver))
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
