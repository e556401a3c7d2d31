// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

// Package lua provides the sandboxed Lua runtime plugins execute in.
package lua

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/sandhost/sandhost/internal/plugin/hostfunc"
)

// safeLibrary represents a Lua library that is safe to load in sandboxed state.
type safeLibrary struct {
	name string
	fn   lua.LGFunction
}

// defaultSafeLibraries returns the list of libraries safe to load.
// Safe: base, table, string, math.
// Blocked: os, io, debug, package, coroutine, channel.
func defaultSafeLibraries() []safeLibrary {
	return []safeLibrary{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
}

// unsafeBaseFunctions lists base library functions removed from every
// state. They reach the filesystem, compile code from strings or load
// modules outside the capability table.
var unsafeBaseFunctions = []string{
	"dofile", "loadfile", "loadstring", "load",
	"require", "module", "_printregs",
}

// StateFactory creates sandboxed Lua states with only safe libraries.
type StateFactory struct {
	// libraries allows overriding the default safe libraries for testing.
	libraries []safeLibrary
	logger    *slog.Logger
}

// NewStateFactory creates a new state factory. print output goes to logger.
func NewStateFactory(logger *slog.Logger) *StateFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateFactory{
		libraries: defaultSafeLibraries(),
		logger:    logger,
	}
}

// WithLogger returns a copy of the factory whose states print to logger.
func (f *StateFactory) WithLogger(logger *slog.Logger) *StateFactory {
	clone := *f
	clone.logger = logger
	return &clone
}

// NewState creates a fresh Lua state with only safe libraries loaded, the
// unsafe base functions removed, and the json and date helpers installed.
// A cancellable ctx is bound to the state until the caller replaces it.
func (f *StateFactory) NewState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})

	for _, lib := range f.libraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, oops.In("lua").With("library", lib.name).Wrapf(err, "failed to open library %s", lib.name)
		}
	}

	for _, fn := range unsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	hostfunc.RegisterGlobals(L, f.logger)

	if ctx.Done() != nil {
		L.SetContext(ctx)
	}
	return L, nil
}
