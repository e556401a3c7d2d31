// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

// Package config loads host configuration from defaults, an optional YAML
// file and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/sandhost/sandhost/internal/logging"
	"github.com/sandhost/sandhost/internal/xdg"
	"github.com/sandhost/sandhost/pkg/errutil"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Config is the complete host configuration.
type Config struct {
	Plugins PluginsConfig `koanf:"plugins"`
	Network NetworkConfig `koanf:"network"`
	Events  EventsConfig  `koanf:"events"`
	Storage StorageConfig `koanf:"storage"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// PluginsConfig controls discovery, the security gate and call limits.
type PluginsConfig struct {
	Dir              string        `koanf:"dir"`
	DataDir          string        `koanf:"dataDir"`
	AutoActivate     bool          `koanf:"autoActivate"`
	RequireSignature bool          `koanf:"requireSignature"`
	TrustedKey       string        `koanf:"trustedKey"`
	ScanOnLoad       bool          `koanf:"scanOnLoad"`
	Watch            bool          `koanf:"watch"`
	DefaultTimeout   time.Duration `koanf:"defaultTimeout"`
	MaxTimeout       time.Duration `koanf:"maxTimeout"`
	MaxTimers        int           `koanf:"maxTimers"`
}

// NetworkConfig bounds the network capability.
type NetworkConfig struct {
	Allow            []string      `koanf:"allow"`
	Deny             []string      `koanf:"deny"`
	MaxResponseBytes int64         `koanf:"maxResponseBytes"`
	Timeout          time.Duration `koanf:"timeout"`
}

// EventsConfig controls the event bus.
type EventsConfig struct {
	AllowCrossPlugin bool `koanf:"allowCrossPlugin"`
}

// StorageConfig selects the backend behind the storage capability.
type StorageConfig struct {
	Backend string `koanf:"backend"`
	Path    string `koanf:"path"`
	DSN     string `koanf:"dsn"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// MetricsConfig controls the metrics and health endpoint. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Plugins: PluginsConfig{
			Dir:            xdg.PluginsDir(),
			DataDir:        xdg.PluginDataDir(),
			AutoActivate:   true,
			ScanOnLoad:     true,
			DefaultTimeout: 5 * time.Second,
			MaxTimeout:     30 * time.Second,
			MaxTimers:      32,
		},
		Network: NetworkConfig{
			MaxResponseBytes: 1 << 20,
			Timeout:          10 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Path:    filepath.Join(xdg.DataDir(), "kv"),
		},
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9100",
		},
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"plugins-dir":         "plugins.dir",
	"plugin-data-dir":     "plugins.dataDir",
	"auto-activate":       "plugins.autoActivate",
	"require-signature":   "plugins.requireSignature",
	"trusted-key":         "plugins.trustedKey",
	"scan":                "plugins.scanOnLoad",
	"watch":               "plugins.watch",
	"timeout":             "plugins.defaultTimeout",
	"max-timeout":         "plugins.maxTimeout",
	"max-timers":          "plugins.maxTimers",
	"net-allow":           "network.allow",
	"net-deny":            "network.deny",
	"net-max-bytes":       "network.maxResponseBytes",
	"net-timeout":         "network.timeout",
	"cross-plugin-events": "events.allowCrossPlugin",
	"storage":             "storage.backend",
	"storage-path":        "storage.path",
	"database-url":        "storage.dsn",
	"log-format":          "log.format",
	"log-level":           "log.level",
	"metrics-addr":        "metrics.addr",
}

// BindFlags registers the configuration flags on fs. Their defaults are
// informational; only flags set on the command line override the file.
func BindFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("plugins-dir", d.Plugins.Dir, "directory scanned for plugins")
	fs.String("plugin-data-dir", d.Plugins.DataDir, "parent of per-plugin filesystem roots")
	fs.Bool("auto-activate", d.Plugins.AutoActivate, "activate plugins after loading")
	fs.Bool("require-signature", d.Plugins.RequireSignature, "refuse plugins without a valid signature")
	fs.String("trusted-key", d.Plugins.TrustedKey, "public key used to verify plugin signatures")
	fs.Bool("scan", d.Plugins.ScanOnLoad, "statically scan plugin sources before loading")
	fs.Bool("watch", d.Plugins.Watch, "reload plugins when their files change")
	fs.Duration("timeout", d.Plugins.DefaultTimeout, "default guest call timeout")
	fs.Duration("max-timeout", d.Plugins.MaxTimeout, "upper bound for per-plugin timeouts")
	fs.Int("max-timers", d.Plugins.MaxTimers, "maximum live timers per plugin")
	fs.StringSlice("net-allow", d.Network.Allow, "host patterns plugins may reach")
	fs.StringSlice("net-deny", d.Network.Deny, "host patterns plugins may never reach")
	fs.Int64("net-max-bytes", d.Network.MaxResponseBytes, "maximum response body size")
	fs.Duration("net-timeout", d.Network.Timeout, "network request timeout")
	fs.Bool("cross-plugin-events", d.Events.AllowCrossPlugin, "let plugins subscribe to other plugins' events")
	fs.String("storage", d.Storage.Backend, "storage backend: memory, file or postgres")
	fs.String("storage-path", d.Storage.Path, "directory for the file storage backend")
	fs.String("database-url", d.Storage.DSN, "PostgreSQL connection string for the postgres backend")
	fs.String("log-format", d.Log.Format, "log format (json, text)")
	fs.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	fs.String("metrics-addr", d.Metrics.Addr, "metrics/health HTTP address (empty = disabled)")
}

// Load builds the configuration. path may be empty, in which case the
// default config file is read if it exists. An explicitly named file
// must exist. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = xdg.ConfigFile()
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, oops.In("config").Code(errutil.CodeValidation).With("path", path).
				Wrapf(err, "load config file")
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", nil, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.In("config").Wrapf(err, "load flags")
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.In("config").Code(errutil.CodeValidation).Wrapf(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	invalid := func(key, format string, args ...any) error {
		return oops.In("config").Code(errutil.CodeValidation).With("key", key).Errorf(format, args...)
	}

	if c.Plugins.Dir == "" {
		return invalid("plugins.dir", "plugins.dir is required")
	}
	if c.Plugins.DefaultTimeout <= 0 {
		return invalid("plugins.defaultTimeout", "plugins.defaultTimeout must be positive, got %s", c.Plugins.DefaultTimeout)
	}
	if c.Plugins.MaxTimeout < c.Plugins.DefaultTimeout {
		return invalid("plugins.maxTimeout", "plugins.maxTimeout (%s) must not be below plugins.defaultTimeout (%s)",
			c.Plugins.MaxTimeout, c.Plugins.DefaultTimeout)
	}
	if c.Plugins.MaxTimers <= 0 {
		return invalid("plugins.maxTimers", "plugins.maxTimers must be positive, got %d", c.Plugins.MaxTimers)
	}
	if c.Plugins.RequireSignature && c.Plugins.TrustedKey == "" {
		return invalid("plugins.trustedKey", "plugins.requireSignature needs plugins.trustedKey")
	}

	if c.Network.MaxResponseBytes <= 0 {
		return invalid("network.maxResponseBytes", "network.maxResponseBytes must be positive, got %d", c.Network.MaxResponseBytes)
	}
	if c.Network.Timeout <= 0 {
		return invalid("network.timeout", "network.timeout must be positive, got %s", c.Network.Timeout)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Storage.Path == "" {
			return invalid("storage.path", "storage.path is required for the file backend")
		}
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return invalid("storage.dsn", "storage.dsn is required for the postgres backend")
		}
	default:
		return invalid("storage.backend", "storage.backend must be 'memory', 'file' or 'postgres', got %q", c.Storage.Backend)
	}

	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "log.format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return oops.In("config").Code(errutil.CodeValidation).With("key", "log.level").Wrap(err)
	}
	return nil
}
