package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/blackmichael/fantrix-feed/internal/auth"
	"github.com/blackmichael/fantrix-feed/internal/config"
	"github.com/blackmichael/fantrix-feed/internal/docstore"
	"github.com/blackmichael/fantrix-feed/internal/domain"
	"github.com/blackmichael/fantrix-feed/internal/events"
	"github.com/blackmichael/fantrix-feed/internal/httpserver"
	"github.com/blackmichael/fantrix-feed/internal/maintenance"
	"github.com/blackmichael/fantrix-feed/internal/metrics"
	"github.com/blackmichael/fantrix-feed/internal/profile"
	"github.com/blackmichael/fantrix-feed/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OtelEndpoint, cfg.Env)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Error("error flushing traces", "error", err)
		}
	}()

	m := metrics.New()

	store, err := docstore.Open(cfg.DatabasePath, docstore.Options{
		MaxAttempts:  cfg.TxMaxAttempts,
		PollInterval: cfg.PollInterval,
		OnConflict:   m.TransactionConflict,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer store.Close()
	logger.Info("opened document store", "path", cfg.DatabasePath)

	var profiles profile.Directory = profile.NewStore(store, logger)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		profiles = profile.NewCache(profiles, rdb, cfg.ProfileCacheTTL, logger)
		logger.Info("profile cache enabled", "ttl", cfg.ProfileCacheTTL)
	}

	var publisher domain.EventPublisher
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL,
			nats.Name(telemetry.ServiceName),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Drain()
		publisher = events.NewNatsPublisher(nc)
		logger.Info("event publishing enabled", "url", nc.ConnectedUrlRedacted())
	}

	tokens, err := auth.NewAuthority(cfg.TokenSecret, cfg.TokenIssuer, cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("create token authority: %w", err)
	}

	feedService := domain.NewFeedService(store, profiles, publisher, m, logger)
	feedService.Start()
	defer feedService.Stop()

	scheduler := maintenance.New(logger, time.Minute)
	if cfg.MaintenanceSchedule != "off" {
		if err := scheduler.AddJob("checkpoint", cfg.MaintenanceSchedule, maintenance.CheckpointJob(store)); err != nil {
			return fmt.Errorf("schedule maintenance: %w", err)
		}
		scheduler.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	server := httpserver.NewServer(cfg, httpserver.Deps{
		Feed:     feedService,
		Profiles: profiles,
		Store:    store,
		Tokens:   tokens,
		Metrics:  m,
	}, logger)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	logger.Info("server started", "port", cfg.Port, "env", cfg.Env)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-serverErr:
		logger.Error("http server exited with error", "error", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}
	scheduler.Stop(shutdownCtx)

	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if cfg.IsLocal() {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
