// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package lua

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandhost/sandhost/internal/plugin"
	"github.com/sandhost/sandhost/internal/plugin/hostfunc"
	"github.com/sandhost/sandhost/pkg/errutil"
)

// Compile-time interface check.
var _ plugin.Sandbox = (*Sandbox)(nil)

// exportsGlobal is the fallback global a module may populate instead of
// returning its exports table.
const exportsGlobal = "exports"

// Sandbox is the execution context of one plugin: one LState, one executor
// goroutine and one capability table.
type Sandbox struct {
	id     string
	cfg    plugin.SandboxConfig
	L      *lua.LState
	exec   *Executor
	inst   *hostfunc.Instance
	base   context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	tracer trace.Tracer
	closed atomic.Bool

	mu     sync.RWMutex
	limits plugin.ResourceLimits

	// exports is only touched on the executor goroutine.
	exports *lua.LTable
}

func newSandbox(r *Runtime, cfg plugin.SandboxConfig) (*Sandbox, error) {
	logger := r.logger.With("plugin", cfg.PluginID)
	L, err := r.factory.WithLogger(logger).NewState(context.Background())
	if err != nil {
		return nil, oops.In("sandbox").With("plugin", cfg.PluginID).Wrap(err)
	}

	base, cancel := context.WithCancel(context.Background())
	s := &Sandbox{
		id:     cfg.PluginID,
		cfg:    cfg,
		L:      L,
		exec:   NewExecutor(L, r.queueSize),
		base:   base,
		cancel: cancel,
		logger: logger,
		tracer: r.tracer,
		limits: cfg.Limits,
	}
	s.exec.grace = r.grace

	inst, err := r.funcs.Build(L, hostfunc.Env{
		PluginID:         cfg.PluginID,
		Permissions:      cfg.Permissions,
		AllowCrossPlugin: r.allowCrossPlugin,
		Scheduler:        s,
		OnError:          s.reportError,
	})
	if err != nil {
		cancel()
		L.Close()
		return nil, oops.In("sandbox").With("plugin", cfg.PluginID).Wrap(err)
	}
	s.inst = inst

	s.exec.Start(base)
	return s, nil
}

// Post implements hostfunc.Scheduler. Callbacks run under the plugin's
// call timeout so a runaway timer cannot stall the executor.
func (s *Sandbox) Post(fn func(L *lua.LState)) error {
	return s.exec.Post(func(L *lua.LState) error {
		ctx, cancel := context.WithTimeout(s.base, s.timeout(0))
		defer cancel()
		L.SetContext(ctx)
		defer resetState(L)
		fn(L)
		return nil
	})
}

func (s *Sandbox) reportError(source string, err error) {
	errutil.LogWarn(s.logger, "guest callback failed", err, "source", source)
	if s.cfg.OnError != nil {
		s.cfg.OnError(source, err)
	}
}

// Execute runs the module body with the capability table as its only
// argument and captures the exports it returns (or leaves in the global
// "exports").
func (s *Sandbox) Execute(ctx context.Context, code string) (plugin.GuestExports, error) {
	ctx, span := s.tracer.Start(ctx, "plugin.load",
		trace.WithAttributes(attribute.String("plugin.id", s.id)))
	defer span.End()

	var exports plugin.GuestExports
	err := s.run(ctx, s.timeout(0), func(L *lua.LState) error {
		fn, err := L.Load(strings.NewReader(code), s.id)
		if err != nil {
			return oops.In("sandbox").Code(errutil.CodeRuntime).With("plugin", s.id).
				Hint("the entry file does not compile").Wrapf(err, "syntax error")
		}
		L.Push(fn)
		L.Push(s.inst.Table)
		if err := L.PCall(1, 1, nil); err != nil {
			return err
		}
		ret := L.Get(-1)
		L.Pop(1)

		tbl, ok := ret.(*lua.LTable)
		if !ok {
			tbl, ok = L.GetGlobal(exportsGlobal).(*lua.LTable)
		}
		if !ok {
			return oops.In("sandbox").Code(errutil.CodeValidation).With("plugin", s.id).
				Hint("return a table of functions from the entry file").
				New("module did not produce an exports table")
		}
		s.exports = tbl
		exports = describeExports(tbl)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return plugin.GuestExports{}, err
	}
	return exports, nil
}

func describeExports(tbl *lua.LTable) plugin.GuestExports {
	var functions, values []string
	tbl.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok {
			return
		}
		if v.Type() == lua.LTFunction {
			functions = append(functions, string(name))
		} else {
			values = append(values, string(name))
		}
	})
	return plugin.NewGuestExports(functions, values)
}

// ExecuteFunction calls the named export with args converted to Lua
// values. The result value is converted back to plain Go data.
func (s *Sandbox) ExecuteFunction(ctx context.Context, name string, args []any, timeout time.Duration) (plugin.Result, error) {
	timeout = s.timeout(timeout)
	rec := plugin.ExecutionRecord{
		ID:        ulid.Make().String(),
		Plugin:    s.id,
		Function:  name,
		StartTime: time.Now(),
	}

	ctx, span := s.tracer.Start(ctx, "plugin.execute_function",
		trace.WithAttributes(
			attribute.String("plugin.id", s.id),
			attribute.String("plugin.function", name),
			attribute.Int64("plugin.timeout_ms", timeout.Milliseconds()),
		))
	defer span.End()

	var (
		value         any
		before, after runtime.MemStats
		measured      bool
	)
	err := s.run(ctx, timeout, func(L *lua.LState) error {
		if s.exports == nil {
			return oops.In("sandbox").Code(errutil.CodeFunctionNotFound).With("plugin", s.id).
				With("function", name).New("module has not been executed")
		}
		fn, ok := s.exports.RawGetString(name).(*lua.LFunction)
		if !ok {
			return oops.In("sandbox").Code(errutil.CodeFunctionNotFound).With("plugin", s.id).
				With("function", name).Errorf("function %q is not exported", name)
		}

		L.Push(fn)
		for _, arg := range args {
			L.Push(hostfunc.ToLua(L, arg))
		}

		runtime.ReadMemStats(&before)
		callErr := L.PCall(len(args), 1, nil)
		runtime.ReadMemStats(&after)
		measured = true
		if callErr != nil {
			return callErr
		}

		v, convErr := hostfunc.FromLua(L.Get(-1))
		L.Pop(1)
		if convErr != nil {
			return convErr
		}
		value = v
		return nil
	})

	rec.Duration = time.Since(rec.StartTime)
	if !errors.Is(err, ErrCallAbandoned) && measured {
		rec.MemoryDelta = int64(after.HeapAlloc) - int64(before.HeapAlloc) //nolint:gosec // heap sizes fit in int64
		if limit := s.Limits().MemoryBytes; limit > 0 && rec.MemoryDelta > limit {
			rec.MemoryOverrun = true
			s.logger.Warn("plugin exceeded memory limit",
				"function", name, "delta_bytes", rec.MemoryDelta, "limit_bytes", limit)
		}
	}
	rec.Success = err == nil
	if err != nil {
		rec.Error = err.Error()
		rec.ErrorCode = errutil.CodeOf(err)
		rec.TimedOut = rec.ErrorCode == errutil.CodeTimeout
		span.RecordError(err)
		span.SetStatus(codes.Error, rec.Error)
		return plugin.Result{Record: rec}, err
	}
	return plugin.Result{Value: value, Record: rec}, nil
}

// run executes job on the executor under a deadline and classifies the
// outcome.
func (s *Sandbox) run(ctx context.Context, timeout time.Duration, job func(L *lua.LState) error) error {
	if s.closed.Load() {
		return oops.In("sandbox").Code(errutil.CodeSandboxClosed).With("plugin", s.id).New("sandbox is closed")
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(s.base, cancel)
	defer stop()

	err := s.exec.Execute(callCtx, func(L *lua.LState) error {
		if err := callCtx.Err(); err != nil {
			return err
		}
		L.SetContext(callCtx)
		defer resetState(L)
		return job(L)
	})
	return s.classify(err, callCtx, timeout)
}

// classify maps a raw executor or Lua error to a coded error.
func (s *Sandbox) classify(err error, callCtx context.Context, timeout time.Duration) error {
	if err == nil {
		return nil
	}
	if hostErr := hostfunc.HostError(err); hostErr != nil {
		return oops.In("sandbox").With("plugin", s.id).Wrap(hostErr)
	}
	if errutil.CodeOf(err) != "" {
		return err
	}
	if s.base.Err() != nil {
		return oops.In("sandbox").Code(errutil.CodeSandboxClosed).With("plugin", s.id).
			Wrapf(err, "sandbox closed during call")
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return oops.In("sandbox").Code(errutil.CodeTimeout).With("plugin", s.id).
			With("timeout", timeout.String()).Errorf("execution exceeded %s timeout", timeout)
	}
	return oops.In("sandbox").Code(errutil.CodeRuntime).With("plugin", s.id).
		Errorf("guest error: %s", guestMessage(err))
}

// guestMessage strips the Lua stack trace from a guest error.
func guestMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}

// resetState leaves the state clean for the next call, including after a
// call that was interrupted by its deadline.
func resetState(L *lua.LState) {
	L.RemoveContext()
	L.SetTop(0)
}

// timeout returns the effective call timeout: the override when given,
// else the plugin's configured timeout, never above the ceiling.
func (s *Sandbox) timeout(override time.Duration) time.Duration {
	def := s.cfg.Timeout
	if def <= 0 {
		def = plugin.DefaultTimeout
	}
	ceiling := s.cfg.MaxTimeout
	if ceiling <= 0 {
		ceiling = plugin.DefaultMaxTimeout
	}

	t := override
	if t <= 0 {
		t = s.Limits().Timeout(def)
	}
	if t > ceiling {
		t = ceiling
	}
	return t
}

// Limits returns the current resource limits.
func (s *Sandbox) Limits() plugin.ResourceLimits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits
}

// SetLimits replaces the resource limits used by later calls.
func (s *Sandbox) SetLimits(limits plugin.ResourceLimits) {
	s.mu.Lock()
	s.limits = limits
	s.mu.Unlock()
}

// ClearTimers cancels every live timer of the plugin.
func (s *Sandbox) ClearTimers() int {
	return s.inst.ClearTimers()
}

// Suspend makes the sandbox inert. Calls already queued on the executor
// still run; callbacks do not.
func (s *Sandbox) Suspend() int {
	return s.inst.Suspend()
}

// ActiveTimers returns the number of live timers.
func (s *Sandbox) ActiveTimers() int {
	return s.inst.ActiveTimers()
}

// Close releases the capability table, stops the executor and closes the
// Lua state. It is safe to call more than once.
func (s *Sandbox) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.inst.Release()
	s.cancel()
	s.exec.Close()
	s.L.Close()
	return nil
}
