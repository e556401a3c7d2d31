// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package main

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"

	"github.com/sandhost/sandhost/internal/config"
	"github.com/sandhost/sandhost/internal/observability"
	"github.com/sandhost/sandhost/internal/plugin"
	"github.com/sandhost/sandhost/internal/plugin/capability"
	"github.com/sandhost/sandhost/internal/plugin/hostfunc"
	pluginlua "github.com/sandhost/sandhost/internal/plugin/lua"
	"github.com/sandhost/sandhost/internal/plugin/security"
	"github.com/sandhost/sandhost/internal/store"
	"github.com/sandhost/sandhost/internal/xdg"
)

// ObservabilityServer is the subset of observability.Server used by run.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Registry() prometheus.Registerer
}

// HostDeps contains injectable dependencies for commands that run plugins.
// All fields with nil values will use their default implementations.
type HostDeps struct {
	// StoreFactory opens the storage backend.
	// Default: openStore
	StoreFactory func(ctx context.Context, cfg config.StorageConfig) (hostfunc.KVStore, func(), error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// Transport overrides the HTTP transport of the network capability.
	// Default: http.DefaultTransport
	Transport http.RoundTripper
}

func (d *HostDeps) withDefaults() *HostDeps {
	out := HostDeps{}
	if d != nil {
		out = *d
	}
	if out.StoreFactory == nil {
		out.StoreFactory = openStore
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, version, readinessChecker)
		}
	}
	return &out
}

// openStore opens the configured storage backend and returns a function
// that releases it.
func openStore(ctx context.Context, cfg config.StorageConfig) (hostfunc.KVStore, func(), error) {
	switch cfg.Backend {
	case config.BackendFile:
		fstore, err := store.NewFile(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return fstore, func() {}, nil
	case config.BackendPostgres:
		pg, err := store.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return store.NewMemory(), func() {}, nil
	}
}

// host is a fully wired plugin manager and the resources it owns.
type host struct {
	manager    *plugin.Manager
	metrics    *plugin.Metrics
	closeStore func()
}

// newHost wires the storage backend, capability table, Lua runtime and
// manager described by cfg. reg may be nil to skip metrics.
func newHost(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer, deps *HostDeps) (*host, error) {
	deps = deps.withDefaults()

	policy, err := capability.NewHostPolicy(cfg.Network.Allow, cfg.Network.Deny)
	if err != nil {
		return nil, err
	}

	var trusted ed25519.PublicKey
	if cfg.Plugins.TrustedKey != "" {
		trusted, err = security.LoadPublicKey(cfg.Plugins.TrustedKey)
		if err != nil {
			return nil, oops.In("host").With("path", cfg.Plugins.TrustedKey).Wrapf(err, "load trusted key")
		}
	}

	if err := xdg.EnsureDir(cfg.Plugins.DataDir); err != nil {
		return nil, oops.In("host").Wrap(err)
	}

	kv, closeStore, err := deps.StoreFactory(ctx, cfg.Storage)
	if err != nil {
		return nil, oops.In("host").With("backend", cfg.Storage.Backend).Wrapf(err, "open storage")
	}

	var metrics *plugin.Metrics
	if reg != nil {
		metrics = plugin.NewMetrics(reg)
	}

	netCfg := hostfunc.NetworkConfig{
		Policy:           policy,
		MaxResponseBytes: cfg.Network.MaxResponseBytes,
		Timeout:          cfg.Network.Timeout,
		Transport:        deps.Transport,
	}

	bus := hostfunc.NewBus()
	funcs := hostfunc.New(capability.NewEnforcer(),
		hostfunc.WithKVStore(kv),
		hostfunc.WithBus(bus),
		hostfunc.WithNetwork(netCfg),
		hostfunc.WithDataRoot(cfg.Plugins.DataDir),
		hostfunc.WithMaxTimers(cfg.Plugins.MaxTimers),
		hostfunc.WithLogger(logger),
		hostfunc.WithDenialHook(metrics.PermissionDenied),
	)
	runtime := pluginlua.NewRuntime(funcs,
		pluginlua.WithLogger(logger),
		pluginlua.WithTracer(otel.Tracer("github.com/sandhost/sandhost/plugin")),
		pluginlua.WithCrossPluginEvents(cfg.Events.AllowCrossPlugin),
	)

	opts := []plugin.ManagerOption{
		plugin.WithLogger(logger),
		plugin.WithBus(bus),
		plugin.WithMetrics(metrics),
		plugin.WithRequireSignature(cfg.Plugins.RequireSignature),
		plugin.WithScanOnLoad(cfg.Plugins.ScanOnLoad),
		plugin.WithManagerAutoActivate(cfg.Plugins.AutoActivate),
		plugin.WithCallTimeouts(cfg.Plugins.DefaultTimeout, cfg.Plugins.MaxTimeout),
	}
	if trusted != nil {
		opts = append(opts, plugin.WithTrustedKey(trusted))
	}

	return &host{
		manager:    plugin.NewManager(cfg.Plugins.Dir, runtime, opts...),
		metrics:    metrics,
		closeStore: closeStore,
	}, nil
}

// Close unloads every plugin and releases the storage backend.
func (h *host) Close(ctx context.Context) error {
	err := h.manager.Close(ctx)
	h.closeStore()
	return err
}
