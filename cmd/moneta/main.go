package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"moneta/internal/amqp"
	"moneta/internal/cacheworker"
	"moneta/internal/config"
	apphttp "moneta/internal/http"
	applog "moneta/internal/log"
	"moneta/internal/observer"
	"moneta/internal/queue"
	"moneta/internal/remote"
	"moneta/internal/session"
	"moneta/internal/syncer"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := applog.New(applog.Config{Level: slog.LevelInfo})
	applog.SetDefault(logger.WithComponent(applog.ComponentGateway))

	slog.Info("Starting moneta gateway")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Platform state starts online; fetch outcomes and client events
	// correct it from there.
	obs := observer.New(observer.State{Online: true})

	// AMQP is optional: without it, queued records wait for the worker's
	// periodic scan instead of a push trigger.
	var queueOpts []queue.Option
	var amqpClient *amqp.Client
	if cfg.AMQPURL != "" {
		var err error
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			slog.Warn("AMQP unavailable, sync will rely on periodic scans", "error", err)
		} else {
			defer amqpClient.Close()
			queueOpts = append(queueOpts,
				queue.WithSyncRegistrar(amqpClient),
				queue.WithOnlineCheck(obs.Online))
		}
	}

	// A failed open leaves the queue degraded, not the gateway down:
	// cached pages still serve, writes report the storage failure.
	q := queue.New(cfg.SQLiteDBPath, queueOpts...)
	if err := q.Initialize(ctx); err != nil {
		slog.Error("Local queue unavailable, continuing degraded", "error", err, "path", cfg.SQLiteDBPath)
	}
	defer q.Close()

	backend, err := remote.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize remote backend", "error", err, "backend", cfg.RemoteBackend)
		os.Exit(1)
	}

	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		slog.Error("Invalid upstream URL", "error", err, "url", cfg.UpstreamURL)
		os.Exit(1)
	}

	worker := cacheworker.New(upstream, cacheworker.NewStore(cfg.CacheDir), cfg.CacheVersion,
		cfg.ExcludedHosts, cacheworker.WithDispatcher(obs))
	if err := worker.Install(ctx); err != nil {
		slog.Error("Failed to install application cache", "error", err, "version", cfg.CacheVersion)
		os.Exit(1)
	}
	if err := worker.Activate(ctx); err != nil {
		slog.Error("Failed to activate application cache", "error", err, "version", cfg.CacheVersion)
		os.Exit(1)
	}

	gate := session.NewGate(session.Config{
		Secret:        cfg.SessionSecret,
		SessionTTL:    cfg.SessionTTL,
		LoginGraceTTL: cfg.LoginGraceTTL,
		DevBypass:     cfg.DevBypassAuth,
	}, backend.Checker)

	coordinator := syncer.NewCoordinator(q, backend.Upserter, syncer.Config{
		BatchSize:      cfg.SyncBatchSize,
		MaxAttempts:    cfg.SyncMaxAttempts,
		InitialBackoff: cfg.SyncInitialBackoff,
		MaxBackoff:     cfg.SyncMaxBackoff,
	})

	srv := apphttp.NewServer(":"+cfg.Port, q, coordinator, obs, gate, worker)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		slog.Info("Gateway listening", "port", cfg.Port, "upstream", cfg.UpstreamURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// A reconnect requests a sync so records queued offline leave as soon
	// as possible instead of waiting for the periodic scan.
	group.Go(func() error {
		if amqpClient == nil {
			return nil
		}
		states, unsubscribe := obs.Subscribe()
		defer unsubscribe()
		online := obs.Online()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case state, ok := <-states:
				if !ok {
					return nil
				}
				if state.Online && !online {
					if err := amqpClient.RegisterSync(groupCtx); err != nil {
						slog.Warn("Sync registration on reconnect failed", "error", err)
					}
				}
				online = state.Online
			}
		}
	})

	group.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigChan:
			slog.Info("Shutdown signal received", "signal", sig.String())
		case <-groupCtx.Done():
			return nil
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		cancel()
		return nil
	})

	if err := group.Wait(); err != nil {
		slog.Error("Gateway terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("Gateway stopped")
}
