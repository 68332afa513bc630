package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue/internal/clinic"
	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/db"
	"github.com/hackgods/clinic-queue/internal/directory"
	"github.com/hackgods/clinic-queue/internal/logging"
	"github.com/hackgods/clinic-queue/internal/metrics"
	"github.com/hackgods/clinic-queue/internal/notify"
	"github.com/hackgods/clinic-queue/internal/queue"
	redisclient "github.com/hackgods/clinic-queue/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("expiry-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, logger)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewRedisClient(cfg, logger)
	if err != nil {
		logger.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()

	asynqClient := asynq.NewClient(notify.RedisOpt(cfg))
	defer func() { _ = asynqClient.Close() }()

	svc := queue.NewService(queue.Deps{
		Store:     queue.NewPgStore(pgPool, cfg.LockTTL/2), // row locks give up before the Redis lock expires
		Configs:   clinic.NewStore(pgPool, rdb, cfg.ConfigCacheTTL, logger),
		Directory: directory.NewPgDirectory(pgPool),
		Locker:    redisclient.NewRedisQueueLocker(rdb, cfg.LockTTL),
		Notifier:  notify.NewAsynqNotifier(asynqClient, cfg.NotifyQueue, logger),
		Metrics:   metrics.NewQueueMetrics(nil),
		Logger:    logger,
	}, cfg)

	// Run once at startup
	runOnce(rootCtx, svc, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, logger)
		}
	}
}

func runOnce(ctx context.Context, svc *queue.Service, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	absences, err := svc.ExpireAbsences(runCtx, start.UTC())
	if err != nil {
		logger.Error("absence expiry run failed", zap.Error(err))
	}

	waitlist, err := svc.ExpireWaitlist(runCtx, queue.DayOf(start.UTC()))
	if err != nil {
		logger.Error("waitlist expiry run failed", zap.Error(err))
	}

	logger.Info("expiry run complete",
		zap.Int("absences_expired", absences),
		zap.Int64("waitlist_expired", waitlist),
		zap.Duration("duration", time.Since(start)),
	)
}
