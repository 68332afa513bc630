package main

import (
	"log"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/logging"
	"github.com/hackgods/clinic-queue/internal/notify"
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

	logger.Info("notify-worker starting up",
		zap.String("env", cfg.Env),
		zap.String("queue", cfg.NotifyQueue),
		zap.Int("concurrency", cfg.NotifyConcurrency),
	)

	handler := notify.NewHandler(notify.LogSender{Logger: logger}, logger)
	srv := notify.NewServer(cfg, logger)

	// Run blocks until SIGINT or SIGTERM and drains in-flight tasks.
	if err := srv.Run(notify.NewServeMux(handler)); err != nil {
		logger.Fatal("notify worker stopped", zap.Error(err))
	}
}
