// Package main API Gateway 服务入口
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"ai-billing-api/internal/config"
	einoobs "ai-billing-api/internal/observability/eino"
	"ai-billing-api/internal/wire"
	"ai-billing-api/pkg/logger"
	"ai-billing-api/pkg/tracer"
)

// Version 版本信息，构建时注入
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// shutdownGrace 等待进行中的 SSE 结算完成的上限
const shutdownGrace = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)

	if err := run(cfg); err != nil {
		logger.Fatal(context.Background(), "api-gateway exited with error", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "starting api-gateway",
		"version", Version,
		"build_time", BuildTime,
		"env", cfg.App.Env,
		"db_driver", cfg.Database.Driver,
		"queue_backend", cfg.Queue.Backend,
	)

	shutdownTracer, err := tracer.Init(ctx, tracer.Config{
		ServiceName: cfg.App.Name,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn(context.Background(), "failed to flush traces", "error", err.Error())
		}
	}()
	einoobs.Init()

	// 队列连接在进程生命周期内有效，不随信号 ctx 取消
	app, cleanup, err := wire.InitializeApp(context.WithoutCancel(ctx), cfg)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer cleanup()

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.HTTP.Host, cfg.Server.HTTP.Port),
		Handler:      app.Router.Engine(),
		ReadTimeout:  cfg.Server.HTTP.ReadTimeout,
		WriteTimeout: cfg.Server.HTTP.WriteTimeout,
		IdleTimeout:  cfg.Server.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(gctx, "http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// memory 队列只能在本进程消费；redis 队列默认由 turn-writer 消费
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(gctx))
	defer stopWorkers()
	inline := cfg.Queue.InlineWorkers || cfg.Queue.Backend == config.QueueBackendMemory
	workersDone := make(chan error, 1)
	if inline {
		go func() {
			logger.Info(workerCtx, "inline turn writers starting", "partitions", cfg.Queue.Partitions)
			workersDone <- app.Workers.Start(workerCtx)
		}()
	} else {
		close(workersDone)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "shutting down api-gateway")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		released := make(chan struct{})
		go func() {
			app.Orchestrator.Wait()
			close(released)
		}()
		select {
		case <-released:
		case <-shutdownCtx.Done():
			logger.Warn(context.Background(), "background freeze releases still pending at exit")
		}

		// 请求全部结束后再停止写入，已结算的轮次仍能落库
		stopWorkers()
		if werr := <-workersDone; werr != nil && !errors.Is(werr, context.Canceled) {
			logger.Error(context.Background(), "turn writers exited with error", werr)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info(context.Background(), "api-gateway exited")
	return nil
}
