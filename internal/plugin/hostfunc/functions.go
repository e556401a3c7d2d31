// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

// Package hostfunc builds the capability table handed to each guest.
//
// Gated categories (fs, network, storage, events) are present in the table
// only when granted, and every gated function checks the enforcer again at
// call time. crypto, util and timers are always present.
//
//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package hostfunc

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/sandhost/sandhost/internal/plugin/capability"
	"github.com/sandhost/sandhost/pkg/errutil"
)

// DefaultMaxTimers caps live timers per plugin.
const DefaultMaxTimers = 32

// KVStore provides namespaced key-value storage. Get returns nil, nil for
// a missing key.
type KVStore interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	List(ctx context.Context, namespace, prefix string) ([]string, error)
}

// Scheduler runs callbacks on the goroutine that owns a guest's LState.
type Scheduler interface {
	Post(fn func(L *lua.LState)) error
}

// ErrorHandler receives failures from guest callbacks (timers, event
// handlers) that have no caller to return to.
type ErrorHandler func(source string, err error)

// Functions holds the host dependencies shared by every capability table.
type Functions struct {
	enforcer  *capability.Enforcer
	kvStore   KVStore
	bus       *Bus
	network   *network
	dataRoot  string
	maxTimers int
	logger    *slog.Logger
	onDenied  func(pluginID, op string)
}

// Option configures Functions.
type Option func(*Functions)

// WithKVStore sets the backing store for the storage capability.
func WithKVStore(kv KVStore) Option {
	return func(f *Functions) { f.kvStore = kv }
}

// WithBus sets the event bus for the events capability.
func WithBus(b *Bus) Option {
	return func(f *Functions) { f.bus = b }
}

// WithNetwork configures the network capability.
func WithNetwork(cfg NetworkConfig) Option {
	return func(f *Functions) { f.network = newNetwork(cfg) }
}

// WithDataRoot sets the directory under which each plugin gets its private
// filesystem root.
func WithDataRoot(dir string) Option {
	return func(f *Functions) { f.dataRoot = dir }
}

// WithMaxTimers sets the live timer cap per plugin.
func WithMaxTimers(n int) Option {
	return func(f *Functions) {
		if n > 0 {
			f.maxTimers = n
		}
	}
}

// WithLogger sets the logger guest log output is routed to.
func WithLogger(l *slog.Logger) Option {
	return func(f *Functions) { f.logger = l }
}

// WithDenialHook registers a callback invoked on every permission denial.
func WithDenialHook(fn func(pluginID, op string)) Option {
	return func(f *Functions) { f.onDenied = fn }
}

// New creates host functions. Panics if enforcer is nil.
func New(enforcer *capability.Enforcer, opts ...Option) *Functions {
	if enforcer == nil {
		panic("hostfunc.New: enforcer cannot be nil")
	}
	f := &Functions{
		enforcer:  enforcer,
		bus:       NewBus(),
		network:   newNetwork(NetworkConfig{}),
		maxTimers: DefaultMaxTimers,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Enforcer returns the capability enforcer.
func (f *Functions) Enforcer() *capability.Enforcer {
	return f.enforcer
}

// Bus returns the event bus shared by all plugins.
func (f *Functions) Bus() *Bus {
	return f.bus
}

// Env binds a capability table to one plugin's sandbox.
type Env struct {
	PluginID    string
	Permissions []string
	// AllowCrossPlugin lets events.on subscribe to other plugins' events.
	AllowCrossPlugin bool
	Scheduler        Scheduler
	OnError          ErrorHandler
}

// Instance is a built capability table plus everything it holds on behalf
// of the plugin. Release gives it all back.
type Instance struct {
	Table *lua.LTable

	f        *Functions
	pluginID string
	timers   *TimerSet
	events   *eventsCap
	released atomic.Bool
	// suspended is set when the plugin is disabled. A suspended instance
	// runs no callbacks and refuses host calls.
	suspended atomic.Bool
}

// Build grants env.Permissions to the plugin and constructs its capability
// table. Must run on the goroutine that owns L.
func (f *Functions) Build(L *lua.LState, env Env) (*Instance, error) {
	if env.PluginID == "" {
		return nil, oops.In("hostfunc").Code(errutil.CodeValidation).New("plugin id is required")
	}
	if env.Scheduler == nil {
		return nil, oops.In("hostfunc").With("plugin", env.PluginID).New("scheduler is required")
	}
	if err := f.enforcer.Grant(env.PluginID, env.Permissions); err != nil {
		return nil, err
	}
	if env.OnError == nil {
		env.OnError = func(source string, err error) {
			errutil.LogError(f.logger, "guest callback failed", err, "plugin", env.PluginID, "source", source)
		}
	}

	inst := &Instance{
		Table:    L.NewTable(),
		f:        f,
		pluginID: env.PluginID,
		timers:   NewTimerSet(f.maxTimers, env.Scheduler, env.OnError),
	}
	logger := f.logger.With("plugin", env.PluginID)

	if f.enforcer.HasCategory(env.PluginID, capability.CategoryFS) {
		fs := &fsCap{inst: inst, root: filepath.Join(f.dataRoot, env.PluginID)}
		L.SetField(inst.Table, "fs", fs.table(L))
	}
	if f.enforcer.HasCategory(env.PluginID, capability.CategoryNetwork) {
		L.SetField(inst.Table, "network", f.network.table(L, inst))
	}
	if f.enforcer.HasCategory(env.PluginID, capability.CategoryStorage) {
		st := &storageCap{inst: inst, kv: f.kvStore}
		L.SetField(inst.Table, "storage", st.table(L))
	}
	if f.enforcer.HasCategory(env.PluginID, capability.CategoryEvents) {
		inst.events = &eventsCap{
			inst:       inst,
			bus:        f.bus,
			crossAllow: env.AllowCrossPlugin,
			scheduler:  env.Scheduler,
			onError:    env.OnError,
		}
		L.SetField(inst.Table, "events", inst.events.table(L))
	}

	L.SetField(inst.Table, "crypto", cryptoTable(L))
	L.SetField(inst.Table, "util", utilTable(L, logger))
	L.SetField(inst.Table, "timers", inst.timers.table(L, inst))
	L.SetField(inst.Table, "plugin_id", lua.LString(env.PluginID))

	categories := make(map[string]string, len(gatedMembers))
	for cat, members := range gatedMembers {
		categories[string(cat)] = string(cat)
		if sub, ok := inst.Table.RawGetString(string(cat)).(*lua.LTable); ok {
			inst.denyMissing(L, sub, members)
		}
	}
	inst.denyMissing(L, inst.Table, categories)

	return inst, nil
}

// gatedMembers maps each gated category's functions to the operation that
// guards them.
var gatedMembers = map[capability.Category]map[string]string{
	capability.CategoryFS: {
		"read_file":  capability.OpFSRead,
		"exists":     capability.OpFSRead,
		"list_files": capability.OpFSRead,
		"write_file": capability.OpFSWrite,
	},
	capability.CategoryNetwork: {
		"fetch":   capability.OpNetworkRequest,
		"request": capability.OpNetworkRequest,
	},
	capability.CategoryStorage: {
		"get":    capability.OpStorageRead,
		"list":   capability.OpStorageRead,
		"set":    capability.OpStorageWrite,
		"delete": capability.OpStorageWrite,
	},
	capability.CategoryEvents: {
		"emit": capability.OpEventsEmit,
		"on":   capability.OpEventsSubscribe,
		"off":  capability.OpEventsSubscribe,
	},
}

// denyMissing makes reading an ungranted name from tbl raise
// PERMISSION_DENIED. Raw access still sees nil, so the name stays absent
// from the table.
func (i *Instance) denyMissing(L *lua.LState, tbl *lua.LTable, gated map[string]string) {
	mt := L.NewTable()
	L.SetField(mt, "__index", L.NewFunction(func(L *lua.LState) int {
		key, ok := L.Get(2).(lua.LString)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		op, gatedKey := gated[string(key)]
		if !gatedKey {
			L.Push(lua.LNil)
			return 1
		}
		return i.deny(L, op)
	}))
	L.SetMetatable(tbl, mt)
}

// PluginID returns the plugin the table was built for.
func (i *Instance) PluginID() string {
	return i.pluginID
}

// ClearTimers cancels every live timer and returns how many were cancelled.
func (i *Instance) ClearTimers() int {
	return i.timers.ClearAll()
}

// ActiveTimers returns the number of live timers.
func (i *Instance) ActiveTimers() int {
	return i.timers.Len()
}

// Suspend puts the instance to rest for a disabled plugin: timers are
// cancelled, event subscriptions dropped, and later timer requests, event
// deliveries and gated calls are refused. It returns how many timers were
// cancelled.
func (i *Instance) Suspend() int {
	i.suspended.Store(true)
	n := i.timers.Suspend()
	if i.events != nil {
		i.events.unsubscribeAll()
	}
	return n
}

// Suspended reports whether Suspend has been called.
func (i *Instance) Suspended() bool {
	return i.suspended.Load()
}

// inert reports whether guest callbacks must no longer run.
func (i *Instance) inert() bool {
	return i.released.Load() || i.suspended.Load()
}

// Release cancels timers, drops event subscriptions, revokes grants and
// detaches the storage namespace. Every function in the table fails with
// SANDBOX_CLOSED afterwards. Safe to call more than once.
func (i *Instance) Release() {
	if !i.released.CompareAndSwap(false, true) {
		return
	}
	i.timers.Close()
	if i.events != nil {
		i.events.unsubscribeAll()
	}
	i.f.enforcer.RemoveGrants(i.pluginID)
}

// wrap guards a gated function with the call-time capability check.
func (i *Instance) wrap(op string, fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		if i.released.Load() {
			return raise(L, oops.In("hostfunc").Code(errutil.CodeSandboxClosed).
				With("plugin", i.pluginID).With("op", op).New("capability table has been released"))
		}
		if i.suspended.Load() {
			return raise(L, oops.In("hostfunc").Code(errutil.CodeInvalidState).
				With("plugin", i.pluginID).With("op", op).New("plugin is disabled"))
		}
		if !i.f.enforcer.Check(i.pluginID, op) {
			return i.deny(L, op)
		}
		return fn(L)
	}
}

// deny reports a refused operation and raises PERMISSION_DENIED.
func (i *Instance) deny(L *lua.LState, op string) int {
	if i.f.onDenied != nil {
		i.f.onDenied(i.pluginID, op)
	}
	i.f.logger.Warn("capability denied", "plugin", i.pluginID, "op", op)
	return raise(L, oops.In("hostfunc").Code(errutil.CodePermission).
		With("plugin", i.pluginID).With("op", op).
		Errorf("permission denied: %s requires %s", i.pluginID, op))
}

// hostContext returns the context the current guest call runs under.
func hostContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
