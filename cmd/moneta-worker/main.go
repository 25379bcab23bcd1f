package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"moneta/internal/amqp"
	"moneta/internal/config"
	applog "moneta/internal/log"
	"moneta/internal/queue"
	"moneta/internal/remote"
	"moneta/internal/syncer"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := applog.New(applog.Config{Level: slog.LevelInfo})
	applog.SetDefault(logger.WithComponent(applog.ComponentWorker))

	slog.Info("Starting moneta-worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The worker exists to drain the queue; without storage it has no job.
	q := queue.New(cfg.SQLiteDBPath)
	if err := q.Initialize(ctx); err != nil {
		slog.Error("Failed to open local queue", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer q.Close()

	backend, err := remote.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize remote backend", "error", err, "backend", cfg.RemoteBackend)
		os.Exit(1)
	}

	coordinator := syncer.NewCoordinator(q, backend.Upserter, syncer.Config{
		BatchSize:      cfg.SyncBatchSize,
		MaxAttempts:    cfg.SyncMaxAttempts,
		InitialBackoff: cfg.SyncInitialBackoff,
		MaxBackoff:     cfg.SyncMaxBackoff,
	})

	// Records queued while the worker was down have no trigger message
	// waiting, so drain once before consuming.
	slog.Info("Performing startup sync check")
	if err := coordinator.Run(ctx); err != nil {
		slog.Error("Startup sync check failed", "error", err)
	}

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		slog.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	go func() {
		err := amqpClient.ConsumeSyncRequests(ctx, func(msgCtx context.Context, msg *amqp.SyncRequestMessage) error {
			slog.InfoContext(msgCtx, "Sync requested", "attempt", msg.Attempt)
			return coordinator.Run(msgCtx)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Message consumption failed", "error", err)
		}
		cancel()
	}()

	// Periodic scan catches records whose trigger message was lost.
	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := coordinator.Run(ctx); err != nil {
					slog.Error("Periodic sync failed", "error", err)
				}
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		slog.Info("Context cancelled")
	}

	cancel()
	slog.Info("Worker stopped")
}
