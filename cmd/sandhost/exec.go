// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/sandhost/sandhost/internal/config"
	"github.com/sandhost/sandhost/internal/plugin"
	"github.com/sandhost/sandhost/pkg/errutil"
)

type execConfig struct {
	function string
}

func newExecCmd() *cobra.Command {
	cfg := &execConfig{}

	cmd := &cobra.Command{
		Use:   "exec <plugin-id> [json-args...]",
		Short: "Call a plugin function once and print the result",
		Long: `Load the plugins directory, call one exported function of a plugin and
print its result as JSON. Each argument is decoded as JSON; arguments that
are not valid JSON are passed as strings.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hostCfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runExec(cmd, hostCfg, cfg, args[0], args[1:], nil)
		},
	}

	cmd.Flags().StringVar(&cfg.function, "function", plugin.ExportExecute, "exported function to call")

	return cmd
}

// withLoadedHost builds a host without metrics, loads every plugin and
// hands the manager to fn.
func withLoadedHost(cmd *cobra.Command, cfg *config.Config, deps *HostDeps, fn func(ctx context.Context, m *plugin.Manager) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := setupLogging(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	h, err := newHost(ctx, cfg, logger, nil, deps)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			errutil.LogWarn(logger, "error closing plugin host", err)
		}
	}()

	result, err := h.manager.LoadPlugins(ctx)
	if err != nil {
		return err
	}
	for _, f := range result.Failed {
		logger.Debug("plugin not loaded", "plugin", f.ID, "error", f.Err)
	}
	return fn(ctx, h.manager)
}

func runExec(cmd *cobra.Command, hostCfg *config.Config, cfg *execConfig, id string, rawArgs []string, deps *HostDeps) error {
	args := decodeArgs(rawArgs)

	return withLoadedHost(cmd, hostCfg, deps, func(ctx context.Context, m *plugin.Manager) error {
		info, ok := m.GetPluginInfo(id)
		if !ok {
			return oops.In("exec").Code(errutil.CodeNotFound).With("plugin", id).Errorf("plugin %q not found", id)
		}
		if info.Status == plugin.StatusLoaded {
			if err := m.Activate(ctx, id); err != nil {
				return err
			}
		}

		result, err := m.Invoke(ctx, id, cfg.function, args...)
		if err != nil {
			slog.Debug("plugin call failed", "plugin", id, "function", cfg.function, "error", err)
			return err
		}
		return writeJSON(cmd.OutOrStdout(), result)
	})
}

// decodeArgs decodes each argument as JSON, falling back to the raw string.
func decodeArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, r := range raw {
		var v any
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			v = r
		}
		args = append(args, v)
	}
	return args
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return oops.Wrapf(err, "encode output")
	}
	return nil
}
