// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package plugin

import (
	"context"
	"time"
)

// Host-wide execution defaults.
const (
	DefaultTimeout    = 5 * time.Second
	DefaultMaxTimeout = 30 * time.Second
)

// Runtime creates sandboxes for one guest language.
type Runtime interface {
	// NewSandbox creates an isolated execution context bound to one plugin.
	// The capability table is built from cfg.Permissions before any guest
	// code runs.
	NewSandbox(ctx context.Context, cfg SandboxConfig) (Sandbox, error)

	// Close shuts down the runtime. Sandboxes already handed out must be
	// closed by their owners.
	Close() error
}

// SandboxConfig describes the plugin a sandbox is bound to.
type SandboxConfig struct {
	PluginID    string
	Permissions []string
	Limits      ResourceLimits
	// Timeout applies when Limits carries none.
	Timeout time.Duration
	// MaxTimeout is the ceiling for caller-supplied timeout overrides.
	MaxTimeout time.Duration
	// OnError receives failures of guest code the host did not call
	// directly (timer and event callbacks).
	OnError func(source string, err error)
}

// Sandbox executes one plugin's guest code. Calls are serialized; a
// sandbox never runs two guest calls at once.
type Sandbox interface {
	// Execute runs the module body and captures its exports.
	Execute(ctx context.Context, code string) (GuestExports, error)

	// ExecuteFunction calls an exported function under a deadline. A zero
	// timeout uses the plugin's configured timeout. The returned Result
	// always carries an ExecutionRecord, even when err is non-nil.
	ExecuteFunction(ctx context.Context, name string, args []any, timeout time.Duration) (Result, error)

	// SetLimits replaces the resource limits used by later calls.
	SetLimits(limits ResourceLimits)

	// ClearTimers cancels every live timer and returns how many there were.
	ClearTimers() int

	// Suspend makes the sandbox inert for a disabled plugin: timers are
	// cancelled, event subscriptions dropped, and no timer, event or host
	// call runs guest code afterwards. It returns how many timers were
	// cancelled.
	Suspend() int

	// ActiveTimers returns the number of live timers.
	ActiveTimers() int

	// Close cancels all timers, drops subscriptions and capability grants,
	// and releases the guest state.
	Close() error
}

// Result is the outcome of one ExecuteFunction call.
type Result struct {
	Value  any
	Record ExecutionRecord
}
