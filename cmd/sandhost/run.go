// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/sandhost/sandhost/internal/config"
	"github.com/sandhost/sandhost/internal/logging"
	"github.com/sandhost/sandhost/pkg/errutil"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Load plugins and keep them running",
		Long: `Discover plugins, gate them with the static scanner and signature
check, activate them in dependency order and keep serving until SIGINT or
SIGTERM. Metrics and health probes are served on --metrics-addr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}
}

// runWithDeps runs the plugin host until a signal arrives or ctx is done.
// If deps is nil, default implementations are used.
func runWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *HostDeps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	deps = deps.withDefaults()

	logger, err := setupLogging(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		ready     atomic.Bool
		obsServer ObservabilityServer
		reg       prometheus.Registerer
	)
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, ready.Load)
		reg = obsServer.Registry()
	}

	h, err := newHost(ctx, cfg, logger, reg, deps)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := h.Close(shutdownCtx); err != nil {
			errutil.LogWarn(logger, "error closing plugin host", err)
		}
	}()

	if obsServer != nil {
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.In("run").Wrapf(err, "start observability server")
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := obsServer.Stop(shutdownCtx); err != nil {
				errutil.LogWarn(logger, "error stopping observability server", err)
			}
		}()
	}

	result, err := h.manager.LoadPlugins(ctx)
	if err != nil {
		return err
	}
	logger.Info("plugins loaded", "loaded", len(result.Loaded), "failed", len(result.Failed))

	watchDone := make(chan struct{})
	if cfg.Plugins.Watch {
		go func() {
			defer close(watchDone)
			if err := h.manager.Watch(ctx); err != nil {
				errutil.LogError(logger, "plugin watcher stopped", err)
				cancel()
			}
		}()
	} else {
		close(watchDone)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ready.Store(true)
	cmd.Println("Plugin host started")
	logger.Info("plugin host ready", "plugins_dir", cfg.Plugins.Dir, "watch", cfg.Plugins.Watch)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	ready.Store(false)
	cancel()
	<-watchDone
	logger.Info("shutting down")
	return nil
}

// setupLogging builds the process logger from the log section.
func setupLogging(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, oops.In("run").Code(errutil.CodeValidation).Wrap(err)
	}
	return logging.Setup("sandhost", version, cfg.Format, level, w), nil
}

// monitorServerErrors cancels the host when a background server fails.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
