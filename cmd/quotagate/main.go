// Package main is the entry point for the QuotaGate instance process.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quotagate/internal/backend"
	"quotagate/internal/config"
	"quotagate/internal/httpdebug"
	"quotagate/internal/scheduler"
	"quotagate/internal/telemetry"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize telemetry
	metrics, logger, shutdownTelemetry := telemetry.Init(cfg.Telemetry.LogFormat, cfg.Telemetry.LogLevel)
	defer shutdownTelemetry()
	slog.SetDefault(logger)

	logger.Info("Starting QuotaGate",
		"version", "0.1.0",
		"label", cfg.Label,
		"http_port", cfg.Server.HTTPPort,
	)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Build the coordination backend
	var be backend.Backend
	switch cfg.Backend.Driver {
	case "redis":
		rb, err := backend.NewRedis(backend.RedisOptions{
			Addr:             cfg.Backend.Redis.Addr,
			Password:         cfg.Backend.Redis.Password,
			DB:               cfg.Backend.Redis.DB,
			KeyPrefix:        cfg.Backend.Redis.KeyPrefix,
			HeartbeatTimeout: time.Duration(cfg.Coordinator.HeartbeatTimeoutMs) * time.Millisecond,
		}, cfg.Models, logger)
		if err != nil {
			logger.Error("Failed to connect to Redis backend", "error", err)
			os.Exit(1)
		}
		defer rb.Close()
		be = rb
	case "memory", "":
		be = backend.NewInMemory(cfg.Models, time.Duration(cfg.Coordinator.HeartbeatTimeoutMs)*time.Millisecond)
	default:
		logger.Error("Unknown backend driver", "driver", cfg.Backend.Driver)
		os.Exit(1)
	}

	// Construct and start the scheduler
	sched, err := scheduler.New(scheduler.Options{
		Config:  cfg,
		Backend: be,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		logger.Error("Failed to construct scheduler", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := sched.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// Debug/metrics surface
	debugSrv := httpdebug.New(httpdebug.Config{
		Port:         cfg.Server.HTTPPort,
		BindAddress:  cfg.Server.BindAddress,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, sched, logger)
	go func() {
		if err := debugSrv.Start(); err != nil {
			logger.Error("Debug server failed", "error", err)
		}
	}()

	// Graceful shutdown: debug surface first, then the scheduler (which
	// clears wait queues, stops timers and unregisters from the backend).
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := debugSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Debug server shutdown failed", "error", err)
	}
	sched.Stop(shutdownCtx)
	logger.Info("Shutdown complete")
}
