// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

//go:build integration

package plugin_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/sandhost/sandhost/internal/plugin"
	"github.com/sandhost/sandhost/internal/plugin/capability"
	"github.com/sandhost/sandhost/internal/plugin/hostfunc"
	pluginlua "github.com/sandhost/sandhost/internal/plugin/lua"
	"github.com/sandhost/sandhost/internal/plugin/security"
	"github.com/sandhost/sandhost/internal/store"
	"github.com/sandhost/sandhost/pkg/errutil"
)

const counterCode = `
local api = ...
local M = {}

function M.init()
	api.events.on("ping:ping", function(payload, name, source)
		local n = api.storage.get("pings") or 0
		api.storage.set("pings", n + 1)
	end)
end

function M.execute()
	return api.storage.get("pings") or 0
end

return M
`

const pingCode = `
local api = ...
return {
	execute = function(n)
		for i = 1, n do api.events.emit("ping", { i = i }) end
		return n
	end,
}
`

func writeSpecPlugin(root, id string, perms, deps []string, code string) string {
	dir := filepath.Join(root, id)
	Expect(os.MkdirAll(dir, 0o750)).To(Succeed())
	f := fixture{id: id, permissions: perms, deps: deps, code: code}
	Expect(os.WriteFile(filepath.Join(dir, plugin.ManifestFile), []byte(f.manifest()), 0o600)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "main.lua"), []byte(code), 0o600)).To(Succeed())
	return dir
}

var _ = Describe("Plugin lifecycle", func() {
	var (
		ctx     context.Context
		root    string
		dataDir string
		kv      *store.File
		mgr     *plugin.Manager
		pub     []byte
	)

	BeforeEach(func() {
		ctx = context.Background()
		root = GinkgoT().TempDir()
		dataDir = GinkgoT().TempDir()

		var err error
		kv, err = store.NewFile(filepath.Join(dataDir, "kv"))
		Expect(err).NotTo(HaveOccurred())

		pubKey, privKey, err := security.GenerateKeyPair()
		Expect(err).NotTo(HaveOccurred())
		pub = pubKey

		bus := hostfunc.NewBus()
		funcs := hostfunc.New(capability.NewEnforcer(),
			hostfunc.WithBus(bus),
			hostfunc.WithKVStore(kv),
			hostfunc.WithDataRoot(dataDir))
		rt := pluginlua.NewRuntime(funcs, pluginlua.WithCrossPluginEvents(true))
		mgr = plugin.NewManager(root, rt,
			plugin.WithBus(bus),
			plugin.WithTrustedKey(pubKey),
			plugin.WithSigningKey(privKey),
			plugin.WithRequireSignature(true))
		DeferCleanup(func() { Expect(mgr.Close(ctx)).To(Succeed()) })
	})

	It("loads signed plugins that talk over the event bus and persist state", func() {
		for _, dir := range []string{
			writeSpecPlugin(root, "ping", []string{"events.emit"}, nil, pingCode),
			writeSpecPlugin(root, "counter", []string{"events", "storage"}, []string{"ping@^1.0.0"}, counterCode),
		} {
			_, err := mgr.SignPlugin(dir)
			Expect(err).NotTo(HaveOccurred())
		}

		res, err := mgr.LoadPlugins(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Failed).To(BeEmpty())
		Expect(res.Loaded).To(Equal([]string{"ping", "counter"}))

		Expect(mgr.Execute(ctx, "ping", 3)).To(BeEquivalentTo(3))
		Eventually(func() any {
			v, _ := mgr.Execute(ctx, "counter")
			return v
		}).WithTimeout(5 * time.Second).Should(BeEquivalentTo(3))

		Expect(kv.Get(ctx, "counter", "pings")).To(Equal([]byte("3")))

		By("refusing to unload a plugin others depend on")
		err = mgr.Unload(ctx, "ping")
		Expect(errutil.HasCode(err, errutil.CodeDependency)).To(BeTrue())

		By("reloading keeps persisted state")
		_, err = mgr.Reload(ctx, "counter")
		Expect(err).NotTo(HaveOccurred())
		Expect(mgr.Execute(ctx, "counter")).To(BeEquivalentTo(3))
	})

	It("rejects plugins that were changed after signing", func() {
		dir := writeSpecPlugin(root, "ping", []string{"events.emit"}, nil, pingCode)
		_, err := mgr.SignPlugin(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(security.VerifyDir(dir, pub)).To(BeTrue())

		Expect(os.WriteFile(filepath.Join(dir, "extra.lua"), []byte("return 1"), 0o600)).To(Succeed())

		_, err = mgr.LoadPlugin(ctx, dir)
		Expect(errutil.HasCode(err, errutil.CodeSecurity)).To(BeTrue())
		info, ok := mgr.GetPluginInfo("ping")
		Expect(ok).To(BeTrue())
		Expect(info.Status).To(Equal(plugin.StatusDisabled))
	})
})
