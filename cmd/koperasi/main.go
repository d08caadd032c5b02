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

	"github.com/koperasi-erp/koperasi-erp/internal/app"
	"github.com/koperasi-erp/koperasi-erp/internal/erp"
	"github.com/koperasi-erp/koperasi-erp/internal/history"
	"github.com/koperasi-erp/koperasi-erp/internal/ingest"
	ingesthttp "github.com/koperasi-erp/koperasi-erp/internal/ingest/http"
	"github.com/koperasi-erp/koperasi-erp/internal/observability"
	"github.com/koperasi-erp/koperasi-erp/internal/platform/cache"
	"github.com/koperasi-erp/koperasi-erp/internal/platform/db"
	"github.com/koperasi-erp/koperasi-erp/internal/ratio"
	"github.com/koperasi-erp/koperasi-erp/internal/shared"
	"github.com/koperasi-erp/koperasi-erp/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
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

	enqueuer, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := enqueuer.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	locker := shared.NewRedisLocker(redisClient)
	auditLogger := shared.NewAuditLogger(pool)
	historyRepo := history.NewRepository(pool)

	connCache := erp.NewConnCache(erp.NewConnectionRepo(pool))
	erpSource := erp.NewSource(connCache)

	ingestService := ingest.NewService(ingest.NewStore(pool), historyRepo, locker, auditLogger, logger).
		WithEnqueuer(enqueuer).
		WithMetrics(metrics).
		WithLockTTL(cfg.IngestLockTTL)
	ratioEngine := ratio.NewEngine(ratio.NewRepo(pool), historyRepo, locker, logger)

	ingestHandler := ingesthttp.NewHandler(logger, ingestService, ratioEngine, historyRepo, connCache, erpSource, cfg.MaxUploadSize)

	router := app.NewRouter(app.MiddlewareConfig{
		Logger:  logger,
		Config:  cfg,
		Metrics: metrics,
	}, ingestHandler, metrics)

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
