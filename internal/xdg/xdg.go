// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

// Package xdg provides XDG Base Directory paths for sandhost.
package xdg

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "sandhost"

// ConfigDir returns the XDG config directory for sandhost.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(base, appName)
}

// DataDir returns the XDG data directory for sandhost.
// Checks XDG_DATA_HOME first, falls back to ~/.local/share.
func DataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".local", "share")
	}
	return filepath.Join(base, appName)
}

// PluginsDir is where plugin directories are discovered by default.
func PluginsDir() string {
	return filepath.Join(DataDir(), "plugins")
}

// PluginDataDir is the parent of every plugin's private filesystem root.
func PluginDataDir() string {
	return filepath.Join(DataDir(), "plugin-data")
}

// KeysDir holds the signing key pair and trusted public keys.
func KeysDir() string {
	return filepath.Join(ConfigDir(), "keys")
}

// ConfigFile is the default configuration file path.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// EnsureDir creates a directory and all parents with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}
