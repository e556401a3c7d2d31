// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sandhost/sandhost/internal/plugin"
)

type listConfig struct {
	jsonOutput bool
}

func newListCmd() *cobra.Command {
	cfg := &listConfig{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Load the plugins directory and show every plugin's status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hostCfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return withLoadedHost(cmd, hostCfg, nil, func(_ context.Context, m *plugin.Manager) error {
				return printPlugins(cmd, m.ListPlugins(), cfg.jsonOutput)
			})
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output as JSON")

	return cmd
}

func printPlugins(cmd *cobra.Command, infos []plugin.Info, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), infos)
	}
	cmd.Print(formatPluginTable(infos))
	return nil
}

// formatPluginTable renders one row per plugin, sorted as given.
func formatPluginTable(infos []plugin.Info) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "ID\tVERSION\tSTATUS\tVERIFIED\tPERMISSIONS\tERROR")
	for _, in := range infos {
		perms := strings.Join(in.Permissions, ",")
		if perms == "" {
			perms = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
			in.ID, in.Version, in.Status, in.Verified, perms, in.LastError)
	}
	_ = w.Flush()
	return buf.String()
}

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <plugin-id>",
		Short: "Print a plugin's security report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hostCfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return withLoadedHost(cmd, hostCfg, nil, func(_ context.Context, m *plugin.Manager) error {
				report, err := m.CreateSecurityReport(args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}
