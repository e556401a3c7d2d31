// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package plugin_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sandhost/sandhost/internal/plugin"
	"github.com/sandhost/sandhost/internal/plugin/capability"
	"github.com/sandhost/sandhost/internal/plugin/security"
	"github.com/sandhost/sandhost/pkg/errutil"
)

func newManager(t *testing.T, root string, opts ...plugin.ManagerOption) (*plugin.Manager, *host) {
	t.Helper()
	h := newHost(t)
	m := plugin.NewManager(root, h.runtime, append([]plugin.ManagerOption{plugin.WithBus(h.bus)}, opts...)...)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, h
}

const shellCode = `
return {
	execute = function(cmd) return os.execute(cmd) end,
}
`

func TestManager_EchoRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dir := filepath.Join(root, "echo")
	mkdirAll(t, dir)
	writeFile(t, filepath.Join(dir, plugin.ManifestFile),
		[]byte("id: echo\nname: Echo\nversion: 1.0.0\nmain: main.lua\npermissions: []\n"))
	writeFile(t, filepath.Join(dir, "main.lua"), []byte(`return { execute = function(x) return x end }`))
	m, _ := newManager(t, root, plugin.WithManagerAutoActivate(false))

	res, err := m.LoadPlugins(ctx)
	require.NoError(t, err)
	require.Empty(t, res.Failed)
	require.NoError(t, m.Activate(ctx, "echo"))

	got, err := m.Execute(ctx, "echo", 42)
	require.NoError(t, err)
	assert.Equal(t, float64(42), got)

	info, ok := m.GetPluginInfo("echo")
	require.True(t, ok)
	assert.Equal(t, plugin.StatusActive, info.Status)
	assert.Empty(t, info.Permissions)
}

func TestManager_ScanGateDisablesPlugin(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dir := writePlugin(t, root, fixture{id: "shell", code: shellCode})
	m, _ := newManager(t, root)

	_, err := m.LoadPlugin(ctx, dir)
	errutil.AssertErrorCode(t, err, errutil.CodeSecurity)
	errutil.AssertErrorContext(t, err, "max_severity", "critical")

	info, ok := m.GetPluginInfo("shell")
	require.True(t, ok)
	assert.Equal(t, plugin.StatusDisabled, info.Status)
	assert.Contains(t, info.LastError, "static scan")
	assert.Empty(t, info.Exports.Functions, "module body never ran")
	assert.NotEmpty(t, info.CodeHash)

	_, err = m.Execute(ctx, "shell", "true")
	errutil.AssertErrorCode(t, err, errutil.CodeInvalidState)

	require.NoError(t, m.Unload(ctx, "shell"))
}

func TestManager_ScanGateCoversNonLuaEntry(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dir := filepath.Join(root, "sneaky")
	mkdirAll(t, dir)
	writeFile(t, filepath.Join(dir, plugin.ManifestFile),
		[]byte("id: sneaky\nname: sneaky\nversion: 1.0.0\nmain: entry.src\n"))
	writeFile(t, filepath.Join(dir, "entry.src"), []byte(shellCode))
	m, _ := newManager(t, root)

	_, err := m.LoadPlugin(ctx, dir)
	errutil.AssertErrorCode(t, err, errutil.CodeSecurity)

	info, ok := m.GetPluginInfo("sneaky")
	require.True(t, ok)
	assert.Equal(t, plugin.StatusDisabled, info.Status)
	assert.Empty(t, info.Exports.Functions, "module body never ran")
}

func TestManager_ScanCanBeTurnedOff(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dir := writePlugin(t, root, fixture{id: "shell", code: shellCode})
	m, _ := newManager(t, root, plugin.WithScanOnLoad(false))

	info, err := m.LoadPlugin(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusActive, info.Status)

	// The sandbox still has no os library.
	_, err = m.Execute(ctx, "shell", "true")
	errutil.AssertErrorCode(t, err, errutil.CodeRuntime)
}

func TestManager_RequireSignature(t *testing.T) {
	ctx := context.Background()
	pub, priv, err := security.GenerateKeyPair()
	require.NoError(t, err)
	_, otherPriv, err := security.GenerateKeyPair()
	require.NoError(t, err)

	tests := []struct {
		name    string
		signer  func(t *testing.T, dir string)
		wantErr string
	}{
		{
			name:    "unsigned",
			signer:  func(*testing.T, string) {},
			wantErr: "plugin is not signed",
		},
		{
			name: "signed by another key",
			signer: func(t *testing.T, dir string) {
				sig, err := security.Sign(dir, otherPriv)
				require.NoError(t, err)
				require.NoError(t, security.WriteSignature(dir, sig))
			},
			wantErr: "does not verify",
		},
		{
			name: "signed by the trusted key",
			signer: func(t *testing.T, dir string) {
				sig, err := security.Sign(dir, priv)
				require.NoError(t, err)
				require.NoError(t, security.WriteSignature(dir, sig))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			dir := writePlugin(t, root, fixture{id: "echo"})
			tt.signer(t, dir)
			m, _ := newManager(t, root, plugin.WithTrustedKey(pub), plugin.WithRequireSignature(true))

			info, err := m.LoadPlugin(ctx, dir)
			if tt.wantErr != "" {
				errutil.AssertErrorCode(t, err, errutil.CodeSecurity)
				assert.Contains(t, err.Error(), tt.wantErr)
				got, _ := m.GetPluginInfo("echo")
				assert.Equal(t, plugin.StatusDisabled, got.Status)
				return
			}
			require.NoError(t, err)
			assert.True(t, info.Signed)
			assert.True(t, info.Verified)

			got, err := m.Execute(ctx, "echo", 2)
			require.NoError(t, err)
			assert.Equal(t, float64(4), got)
		})
	}
}

func TestManager_SignAndReport(t *testing.T) {
	ctx := context.Background()
	pub, priv, err := security.GenerateKeyPair()
	require.NoError(t, err)

	root := t.TempDir()
	dir := writePlugin(t, root, fixture{id: "files", permissions: []string{"fs.read", "storage"}})
	m, _ := newManager(t, root, plugin.WithTrustedKey(pub), plugin.WithSigningKey(priv))

	sig, err := m.SignPlugin(dir)
	require.NoError(t, err)
	stored, err := security.ReadSignature(dir)
	require.NoError(t, err)
	assert.Equal(t, sig, stored)

	_, err = m.LoadPlugin(ctx, dir)
	require.NoError(t, err)

	report, err := m.CreateSecurityReport("files")
	require.NoError(t, err)
	assert.Equal(t, "files", report.Plugin)
	assert.True(t, report.Signed)
	assert.True(t, report.Verified)
	assert.True(t, report.ContentMatches)
	assert.True(t, report.Scan.Safe)
	assert.Equal(t, capability.RiskMedium, report.RiskLevel)
	assert.Equal(t, []plugin.PermissionRisk{
		{Permission: "fs.read", Risk: capability.RiskMedium},
		{Permission: "storage", Risk: capability.RiskLow},
	}, report.Permissions)
	assert.Empty(t, report.Recommendations)

	writeFile(t, filepath.Join(dir, "main.lua"), []byte(`return { execute = function() return "tampered" end }`))
	report, err = m.CreateSecurityReport("files")
	require.NoError(t, err)
	assert.False(t, report.ContentMatches)
	assert.Contains(t, report.Recommendations, "plugin files changed since load; reload before trusting it")

	ok, err := security.VerifyDir(dir, pub)
	require.NoError(t, err)
	assert.False(t, ok, "signature no longer matches the files")

	_, err = m.CreateSecurityReport("ghost")
	errutil.AssertErrorCode(t, err, errutil.CodeNotFound)
}

func TestManager_ReportRecommendations(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dir := writePlugin(t, root, fixture{id: "wide", permissions: []string{"all"}})
	m, _ := newManager(t, root)
	_, err := m.LoadPlugin(ctx, dir)
	require.NoError(t, err)

	report, err := m.CreateSecurityReport("wide")
	require.NoError(t, err)
	assert.Equal(t, capability.RiskCritical, report.RiskLevel)
	assert.False(t, report.Signed)
	assert.Contains(t, report.Recommendations, "sign the plugin with a trusted key")
	assert.Contains(t, report.Recommendations,
		"plugin requests high-risk permissions; grant fine-grained operations where possible")
}

func TestManager_SignPluginWithoutKey(t *testing.T) {
	root := t.TempDir()
	dir := writePlugin(t, root, fixture{id: "echo"})
	m, _ := newManager(t, root)

	_, err := m.SignPlugin(dir)
	errutil.AssertErrorCode(t, err, errutil.CodeSecurity)
}

func TestManager_AutoActivateOff(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugin(t, root, fixture{id: "echo"})
	m, _ := newManager(t, root, plugin.WithManagerAutoActivate(false))

	res, err := m.LoadPlugins(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, res.Loaded)

	info, _ := m.GetPluginInfo("echo")
	assert.Equal(t, plugin.StatusLoaded, info.Status)
	require.NoError(t, m.Activate(ctx, "echo"))
}

func TestManager_GetStats(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugin(t, root, fixture{id: "echo"})
	writePlugin(t, root, fixture{id: "bad", code: `return {}`})
	m, _ := newManager(t, root)

	_, err := m.LoadPlugins(ctx)
	require.NoError(t, err)
	for range 3 {
		_, err := m.Execute(ctx, "echo", 1)
		require.NoError(t, err)
	}

	stats := m.GetStats(ctx)
	assert.Equal(t, 2, stats.Plugins)
	assert.Equal(t, 1, stats.ByStatus[plugin.StatusActive])
	assert.Equal(t, 1, stats.ByStatus[plugin.StatusError])
	assert.Equal(t, int64(3), stats.Totals.Executions)
	assert.Positive(t, stats.Process.Goroutines)
	assert.Positive(t, stats.Process.HeapAlloc)
	assert.False(t, stats.CollectedAt.IsZero())
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	root := t.TempDir()
	writePlugin(t, root, fixture{id: "base"})
	writePlugin(t, root, fixture{id: "app", deps: []string{"base"}})
	writePlugin(t, root, fixture{id: "ticker", permissions: []string{"events"}, code: tickerCode})

	h := newHost(t)
	m := plugin.NewManager(root, h.runtime, plugin.WithBus(h.bus))
	assert.Same(t, h.bus, m.Events())
	_, err := m.LoadPlugins(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))
	assert.Empty(t, m.ListPlugins())
}
