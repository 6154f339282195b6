// Package main is the entrypoint for the taskrunner API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/taskrunner/internal/api"
	"github.com/kiranshivaraju/taskrunner/internal/api/handler"
	mw "github.com/kiranshivaraju/taskrunner/internal/api/middleware"
	"github.com/kiranshivaraju/taskrunner/internal/api/response"
	"github.com/kiranshivaraju/taskrunner/internal/cache"
	"github.com/kiranshivaraju/taskrunner/internal/config"
	"github.com/kiranshivaraju/taskrunner/internal/processor"
	"github.com/kiranshivaraju/taskrunner/internal/queue"
	"github.com/kiranshivaraju/taskrunner/internal/scheduler"
	"github.com/kiranshivaraju/taskrunner/internal/store"
	"github.com/kiranshivaraju/taskrunner/internal/tasks"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"max_active_tasks", cfg.Tasks.MaxActive,
		"schedule_timezone", cfg.Tasks.ScheduleTimezone,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database, "taskrunner-api")
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache (HTTP rate limiting)
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create queue broker
	broker, err := queue.NewRedisBroker(cfg.Redis.URL, cfg.Tasks.StatusTTL)
	if err != nil {
		return fmt.Errorf("create queue broker: %w", err)
	}
	defer broker.Close()

	// 6. Create store and tasks service
	pgStore := store.NewPostgresStore(pool)
	registry := processor.NewDefaultRegistry()
	svc := tasks.NewService(pgStore, broker, registry,
		scheduler.New(cfg.Tasks.Location()), cfg.Tasks.MaxActive)
	slog.Info("task types registered", "types", registry.Types())

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),

		HealthHandler:     healthHandler(pgStore, redisCache, broker),
		CreateUserHandler: handler.NewCreateUserHandler(pgStore),
		CreateTaskHandler: handler.NewCreateTaskHandler(svc),
		ListTasksHandler:  handler.NewListTasksHandler(svc),
		GetTaskHandler:    handler.NewGetTaskHandler(svc),
		TaskTypesHandler:  handler.NewTaskTypesHandler(svc),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database, cache and queue connectivity.
func healthHandler(db, c, q pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"queue":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if err := q.Ping(r.Context()); err != nil {
			checks["queue"] = "degraded"
		}

		for _, v := range checks {
			if v != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
