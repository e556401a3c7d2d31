// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/sandhost/sandhost/internal/config"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the sandhost CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandhost",
		Short: "Sandhost - a secure Lua plugin host",
		Long: `Sandhost loads Lua plugins into isolated sandboxes, gates them with
static scanning and ed25519 signatures, and exposes only the capabilities
each plugin's manifest declares.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/sandhost/config.yaml)")
	config.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newExecCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newReportCmd())
	cmd.AddCommand(newKeygenCmd())
	cmd.AddCommand(newSignCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newSchemaCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}

// loadConfig merges the config file with the flags set on cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(configFile, cmd.Flags())
}
