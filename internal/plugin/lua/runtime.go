// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package lua

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandhost/sandhost/internal/plugin"
	"github.com/sandhost/sandhost/internal/plugin/hostfunc"
	"github.com/sandhost/sandhost/pkg/errutil"
)

// Compile-time interface check.
var _ plugin.Runtime = (*Runtime)(nil)

// Runtime creates Lua sandboxes that share one set of host functions.
type Runtime struct {
	factory          *StateFactory
	funcs            *hostfunc.Functions
	logger           *slog.Logger
	tracer           trace.Tracer
	allowCrossPlugin bool
	queueSize        int
	grace            time.Duration

	mu     sync.Mutex
	closed bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger for runtime and guest print output.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithTracer sets the tracer used for spans around guest calls.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runtime) { r.tracer = t }
}

// WithCrossPluginEvents lets plugins subscribe to other plugins' events.
func WithCrossPluginEvents(allow bool) Option {
	return func(r *Runtime) { r.allowCrossPlugin = allow }
}

// WithQueueSize sets the per-sandbox executor queue size.
func WithQueueSize(n int) Option {
	return func(r *Runtime) { r.queueSize = n }
}

// WithAbandonGrace sets how long a timed-out call is waited for before it
// is abandoned.
func WithAbandonGrace(d time.Duration) Option {
	return func(r *Runtime) { r.grace = d }
}

// NewRuntime creates a Lua runtime backed by funcs.
// It panics if funcs is nil.
func NewRuntime(funcs *hostfunc.Functions, opts ...Option) *Runtime {
	if funcs == nil {
		panic("lua.NewRuntime: host functions cannot be nil")
	}
	r := &Runtime{
		funcs:     funcs,
		logger:    slog.Default(),
		tracer:    otel.Tracer("sandhost/plugin/lua"),
		queueSize: DefaultQueueSize,
		grace:     DefaultAbandonGrace,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.factory = NewStateFactory(r.logger)
	return r
}

// Functions returns the host functions sandboxes are built with.
func (r *Runtime) Functions() *hostfunc.Functions {
	return r.funcs
}

// NewSandbox creates a sandbox for one plugin.
func (r *Runtime) NewSandbox(_ context.Context, cfg plugin.SandboxConfig) (plugin.Sandbox, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, oops.In("lua").Code(errutil.CodeSandboxClosed).With("plugin", cfg.PluginID).
			New("runtime is closed")
	}
	if cfg.PluginID == "" {
		return nil, oops.In("lua").Code(errutil.CodeValidation).New("plugin id is required")
	}
	return newSandbox(r, cfg)
}

// Close marks the runtime closed. Existing sandboxes keep working until
// their owners close them.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
