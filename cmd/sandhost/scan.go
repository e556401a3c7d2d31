// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/sandhost/sandhost/internal/plugin/security"
	"github.com/sandhost/sandhost/pkg/errutil"
)

type scanConfig struct {
	jsonOutput bool
}

func newScanCmd() *cobra.Command {
	cfg := &scanConfig{}

	cmd := &cobra.Command{
		Use:   "scan <file|dir>",
		Short: "Statically scan Lua sources for dangerous constructs",
		Long: `Scan a Lua file, or every .lua file under a directory, and list the
findings. The command fails when any finding is high or critical.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, cfg, args[0])
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output as JSON")

	return cmd
}

func runScan(cmd *cobra.Command, cfg *scanConfig, target string) error {
	res, err := scanTarget(security.NewScanner(), target)
	if err != nil {
		return err
	}

	if cfg.jsonOutput {
		if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else {
		cmd.Print(formatScanResult(res))
	}

	if !res.Safe {
		return oops.In("scan").Code(errutil.CodeSecurity).With("target", target).
			With("max_severity", res.MaxSeverity().String()).
			Errorf("%s failed the security scan", target)
	}
	return nil
}

func scanTarget(s *security.Scanner, target string) (security.ScanResult, error) {
	fi, err := os.Stat(target)
	if err != nil {
		return security.ScanResult{}, oops.In("scan").Code(errutil.CodeValidation).With("target", target).Wrap(err)
	}
	if fi.IsDir() {
		return s.ScanDir(target)
	}
	data, err := os.ReadFile(filepath.Clean(target))
	if err != nil {
		return security.ScanResult{}, oops.In("scan").With("target", target).Wrap(err)
	}
	return s.Scan(string(data)), nil
}

func formatScanResult(res security.ScanResult) string {
	if len(res.Issues) == 0 {
		return "No issues found\n"
	}
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEVERITY\tLOCATION\tRULE\tMESSAGE")
	for _, is := range res.Issues {
		loc := fmt.Sprintf("%d:%d", is.Line, is.Column)
		if is.File != "" {
			loc = is.File + ":" + loc
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", is.Severity, loc, is.Rule, is.Message)
	}
	_ = w.Flush()
	return buf.String()
}
