package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/switchyard-ai/switchyard/internal/config"
	"github.com/switchyard-ai/switchyard/internal/observability"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe implements the serve command logic.
// It handles configuration loading, component wiring, and graceful shutdown.
func runServe(ctx context.Context, configPath, listenAddr string, debug bool) error {
	slog.Info("starting switchyard gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	// A missing config file is not fatal; the built-in defaults run a
	// gateway with no API providers, which is still useful for the pool
	// and the admin surface.
	var (
		watcher *config.Watcher
		cfg     *config.Config
	)
	if _, err := os.Stat(configPath); err == nil {
		watcher, err = config.NewWatcher(configPath, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = watcher.Snapshot()
	} else {
		slog.Warn("config file not found, using defaults", "path", configPath)
		cfg = config.Default()
	}

	// Rebuild the process logger from the loaded telemetry section. The
	// redacting logger keeps API keys and bearer tokens out of the stream.
	logCfg := observability.LogConfig{
		Level:          cfg.Telemetry.Logging.Level,
		Format:         cfg.Telemetry.Logging.Format,
		RedactPatterns: cfg.Telemetry.Logging.RedactPatterns,
	}
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg).Slog()
	slog.SetDefault(logger)

	snapshot := func() *config.Config { return cfg }
	if watcher != nil {
		snapshot = watcher.Snapshot
	}

	app, err := newApp(ctx, cfg, snapshot, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	// Create a context that cancels on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if watcher != nil {
		watcher.OnReload(func(next *config.Config) {
			logger.Info("configuration reloaded", "version", next.Version)
		})
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start config watcher: %w", err)
		}
		defer watcher.Close()
	}

	server := newAdminServer(app, listenAddr, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	slog.Info("switchyard gateway started",
		"listen", listenAddr,
		"default_provider", cfg.Routing.DefaultProvider,
		"archive_driver", cfg.Archive.Driver,
	)

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := app.Close(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("switchyard gateway stopped")
	return nil
}
