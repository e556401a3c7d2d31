// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package plugin_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandhost/sandhost/internal/plugin"
	"github.com/sandhost/sandhost/internal/plugin/capability"
	"github.com/sandhost/sandhost/internal/plugin/hostfunc"
	pluginlua "github.com/sandhost/sandhost/internal/plugin/lua"
	"github.com/sandhost/sandhost/internal/store"
)

// Helper functions for creating test fixtures with secure permissions.
func mkdirAll(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o750))
}

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, content, 0o600))
}

const echoCode = `
local api = ...
return {
	execute = function(x)
		if type(x) == "number" then return x * 2 end
		return x
	end,
}
`

// fixture describes one plugin directory.
type fixture struct {
	id          string
	version     string
	permissions []string
	deps        []string
	limits      string
	code        string
}

func (f fixture) manifest() string {
	var b strings.Builder
	version := f.version
	if version == "" {
		version = "1.0.0"
	}
	fmt.Fprintf(&b, "id: %s\nname: %s\nversion: %s\nmain: main.lua\n", f.id, f.id, version)
	if len(f.permissions) > 0 {
		b.WriteString("permissions:\n")
		for _, p := range f.permissions {
			fmt.Fprintf(&b, "  - %q\n", p)
		}
	}
	if len(f.deps) > 0 {
		b.WriteString("dependencies:\n")
		for _, d := range f.deps {
			fmt.Fprintf(&b, "  - %q\n", d)
		}
	}
	if f.limits != "" {
		b.WriteString("resourceLimits:\n" + f.limits)
	}
	return b.String()
}

// writePlugin lays out f under root and returns its directory.
func writePlugin(t *testing.T, root string, f fixture) string {
	t.Helper()
	dir := filepath.Join(root, f.id)
	mkdirAll(t, dir)
	writeFile(t, filepath.Join(dir, plugin.ManifestFile), []byte(f.manifest()))
	code := f.code
	if code == "" {
		code = echoCode
	}
	writeFile(t, filepath.Join(dir, "main.lua"), []byte(code))
	return dir
}

// host bundles a runtime with the bus and store it was built on.
type host struct {
	runtime *pluginlua.Runtime
	bus     *hostfunc.Bus
	kv      *store.Memory
	denied  []string
}

func newHost(t *testing.T, opts ...hostfunc.Option) *host {
	t.Helper()
	h := &host{bus: hostfunc.NewBus(), kv: store.NewMemory()}
	base := []hostfunc.Option{
		hostfunc.WithBus(h.bus),
		hostfunc.WithKVStore(h.kv),
		hostfunc.WithDataRoot(t.TempDir()),
		hostfunc.WithDenialHook(func(id, op string) { h.denied = append(h.denied, id+"/"+op) }),
	}
	funcs := hostfunc.New(capability.NewEnforcer(), append(base, opts...)...)
	h.runtime = pluginlua.NewRuntime(funcs)
	return h
}
