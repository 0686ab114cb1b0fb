// Package main 对话轮次写入消费者入口（turn-writer）
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ai-billing-api/internal/config"
	"ai-billing-api/internal/infrastructure/messaging"
	"ai-billing-api/internal/wire"
	"ai-billing-api/pkg/logger"
	"ai-billing-api/pkg/tracer"
)

const (
	lagInterval       = 30 * time.Second
	dlqAlertThreshold = 0
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	ctx := context.Background()

	if cfg.Queue.Backend == config.QueueBackendMemory {
		logger.Fatal(ctx, "turn-writer requires a shared queue backend", fmt.Errorf("queue.backend=%s", cfg.Queue.Backend))
	}

	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName: "turn-writer",
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init tracer", err)
	}
	defer func() { _ = shutdown(ctx) }()

	worker, cleanup, err := wire.InitializeWorker(ctx, cfg)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize worker", err)
	}
	defer cleanup()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if q, ok := worker.Queue.(*messaging.RedisTurnQueue); ok {
		go q.MonitorLag(runCtx, lagInterval, dlqAlertThreshold)
	}

	done := make(chan error, 1)
	go func() {
		done <- worker.Workers.Start(runCtx)
	}()

	logger.Info(ctx, "turn-writer started",
		"partitions", cfg.Queue.Partitions,
		"max_retries", cfg.Queue.MaxRetries,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info(ctx, "shutting down turn-writer...")
		cancel()
		if err := <-done; err != nil {
			logger.Error(ctx, "turn writers exited with error", err)
		}
	case err := <-done:
		if err != nil {
			logger.Fatal(ctx, "turn writers stopped unexpectedly", err)
		}
	}

	logger.Info(ctx, "turn-writer exited")
}
