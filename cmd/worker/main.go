// Package main is the entrypoint for the taskrunner worker process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/taskrunner/internal/config"
	"github.com/kiranshivaraju/taskrunner/internal/processor"
	"github.com/kiranshivaraju/taskrunner/internal/queue"
	"github.com/kiranshivaraju/taskrunner/internal/store"
	"github.com/kiranshivaraju/taskrunner/internal/worker"
)

// Attempts still running after this are cancelled; their messages come back
// once the visibility timeout passes.
const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database, "taskrunner-worker")
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	broker, err := queue.NewRedisBroker(cfg.Redis.URL, cfg.Tasks.StatusTTL)
	if err != nil {
		return fmt.Errorf("create queue broker: %w", err)
	}
	defer broker.Close()

	if err := broker.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	engine := worker.NewEngine(
		store.NewPostgresStore(pool),
		broker,
		processor.NewDefaultRegistry(),
		policyFromConfig(cfg.Worker),
		logger.With("component", "engine"),
	)

	workers := worker.NewPool(engine, broker, logger.With("component", "pool"),
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithPollInterval(cfg.Worker.PollInterval),
		worker.WithVisibilityTimeout(cfg.Worker.VisibilityTimeout),
		worker.WithRateLimit(cfg.Worker.RateLimitPerMin),
	)
	if err := workers.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping workers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := workers.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop worker pool: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

func policyFromConfig(cfg config.WorkerConfig) worker.Policy {
	return worker.Policy{
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		TimeLimit:  cfg.TimeLimit,
	}
}
