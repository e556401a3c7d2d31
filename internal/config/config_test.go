// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandhost/sandhost/internal/config"
	"github.com/sandhost/sandhost/pkg/errutil"
)

func isolateXDG(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	return home
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.BindFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	home := isolateXDG(t)

	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "data", "sandhost", "plugins"), cfg.Plugins.Dir)
	assert.Equal(t, filepath.Join(home, "data", "sandhost", "plugin-data"), cfg.Plugins.DataDir)
	assert.True(t, cfg.Plugins.AutoActivate)
	assert.True(t, cfg.Plugins.ScanOnLoad)
	assert.False(t, cfg.Plugins.RequireSignature)
	assert.Equal(t, 5*time.Second, cfg.Plugins.DefaultTimeout)
	assert.Equal(t, 30*time.Second, cfg.Plugins.MaxTimeout)
	assert.Equal(t, config.BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Addr)
}

func TestLoadReadsDefaultConfigFile(t *testing.T) {
	home := isolateXDG(t)
	dir := filepath.Join(home, "config", "sandhost")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log:\n  level: debug\n"), 0o600))

	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	isolateXDG(t)
	path := writeConfig(t, `
plugins:
  dir: /srv/plugins
  autoActivate: false
  defaultTimeout: 2s
  maxTimeout: 1m
  maxTimers: 4
network:
  allow: ["api.example.com", "*.internal"]
  deny: ["metadata.internal"]
  maxResponseBytes: 4096
events:
  allowCrossPlugin: true
storage:
  backend: file
  path: /var/lib/sandhost/kv
log:
  format: text
`)

	cfg, err := config.Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/srv/plugins", cfg.Plugins.Dir)
	assert.False(t, cfg.Plugins.AutoActivate)
	assert.Equal(t, 2*time.Second, cfg.Plugins.DefaultTimeout)
	assert.Equal(t, time.Minute, cfg.Plugins.MaxTimeout)
	assert.Equal(t, 4, cfg.Plugins.MaxTimers)
	assert.Equal(t, []string{"api.example.com", "*.internal"}, cfg.Network.Allow)
	assert.Equal(t, []string{"metadata.internal"}, cfg.Network.Deny)
	assert.Equal(t, int64(4096), cfg.Network.MaxResponseBytes)
	assert.True(t, cfg.Events.AllowCrossPlugin)
	assert.Equal(t, config.BackendFile, cfg.Storage.Backend)
	assert.Equal(t, "text", cfg.Log.Format)

	// untouched keys keep their defaults
	assert.True(t, cfg.Plugins.ScanOnLoad)
	assert.Equal(t, 10*time.Second, cfg.Network.Timeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestFlagsOverrideFile(t *testing.T) {
	isolateXDG(t)
	path := writeConfig(t, "plugins:\n  dir: /from/file\n  watch: false\nlog:\n  format: text\n")

	fs := newFlags(t,
		"--plugins-dir", "/from/flag",
		"--watch",
		"--timeout", "750ms",
		"--net-allow", "a.example.com,b.example.com",
	)

	cfg, err := config.Load(path, fs)
	require.NoError(t, err)

	assert.Equal(t, "/from/flag", cfg.Plugins.Dir)
	assert.True(t, cfg.Plugins.Watch)
	assert.Equal(t, 750*time.Millisecond, cfg.Plugins.DefaultTimeout)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.Network.Allow)
	// unset flags do not clobber the file
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadErrors(t *testing.T) {
	isolateXDG(t)

	t.Run("explicit file must exist", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
		errutil.AssertErrorCode(t, err, errutil.CodeValidation)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := config.Load(writeConfig(t, "plugins: [unterminated"), nil)
		errutil.AssertErrorCode(t, err, errutil.CodeValidation)
	})

	t.Run("invalid values are rejected after merging", func(t *testing.T) {
		_, err := config.Load(writeConfig(t, "storage:\n  backend: redis\n"), nil)
		errutil.AssertErrorCode(t, err, errutil.CodeValidation)
		errutil.AssertErrorContext(t, err, "key", "storage.backend")
	})
}

func TestValidate(t *testing.T) {
	isolateXDG(t)

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantKey string
	}{
		{"defaults", func(*config.Config) {}, ""},
		{"empty plugins dir", func(c *config.Config) { c.Plugins.Dir = "" }, "plugins.dir"},
		{"zero timeout", func(c *config.Config) { c.Plugins.DefaultTimeout = 0 }, "plugins.defaultTimeout"},
		{"ceiling below default", func(c *config.Config) { c.Plugins.MaxTimeout = time.Second }, "plugins.maxTimeout"},
		{"no timers", func(c *config.Config) { c.Plugins.MaxTimers = 0 }, "plugins.maxTimers"},
		{"signature without key", func(c *config.Config) { c.Plugins.RequireSignature = true }, "plugins.trustedKey"},
		{"signature with key", func(c *config.Config) {
			c.Plugins.RequireSignature = true
			c.Plugins.TrustedKey = "/etc/sandhost/trusted.pub"
		}, ""},
		{"zero response limit", func(c *config.Config) { c.Network.MaxResponseBytes = 0 }, "network.maxResponseBytes"},
		{"zero network timeout", func(c *config.Config) { c.Network.Timeout = 0 }, "network.timeout"},
		{"unknown backend", func(c *config.Config) { c.Storage.Backend = "redis" }, "storage.backend"},
		{"file backend without path", func(c *config.Config) {
			c.Storage.Backend = config.BackendFile
			c.Storage.Path = ""
		}, "storage.path"},
		{"postgres without dsn", func(c *config.Config) { c.Storage.Backend = config.BackendPostgres }, "storage.dsn"},
		{"postgres with dsn", func(c *config.Config) {
			c.Storage.Backend = config.BackendPostgres
			c.Storage.DSN = "postgres://localhost/sandhost"
		}, ""},
		{"bad log format", func(c *config.Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad log level", func(c *config.Config) { c.Log.Level = "loud" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantKey == "" {
				assert.NoError(t, err)
				return
			}
			errutil.AssertErrorCode(t, err, errutil.CodeValidation)
			errutil.AssertErrorContext(t, err, "key", tt.wantKey)
		})
	}
}
