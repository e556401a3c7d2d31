// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

// Package capability derives per-plugin capability grants from manifest
// permissions and checks them at call time.
//
// Pattern matching uses gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment (does not cross '.')
//   - '**' matches zero or more segments (crosses '.')
//
// Examples:
//   - "fs.*" matches "fs.read" and "fs.write"
//   - "storage.read" matches only "storage.read"
//   - "**" matches any operation (the "all" permission)
package capability

import (
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/sandhost/sandhost/pkg/errutil"
)

// compiledGrant holds a pattern and its compiled glob for efficient matching.
type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer checks plugin capabilities at runtime.
//
// Enforcer is safe for concurrent use. The zero value is ready to use
// without calling NewEnforcer.
type Enforcer struct {
	grants map[string][]compiledGrant // plugin id -> compiled grants
	mu     sync.RWMutex
}

// NewEnforcer creates a capability enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{
		grants: make(map[string][]compiledGrant),
	}
}

// Grant translates manifest permissions into glob grants and installs them
// for pluginID. Unknown permissions are rejected and leave the enforcer
// untouched.
func (e *Enforcer) Grant(pluginID string, permissions []string) error {
	patterns, err := Patterns(permissions)
	if err != nil {
		return oops.In("capability").With("plugin", pluginID).Wrap(err)
	}
	return e.SetGrants(pluginID, patterns)
}

// SetGrants configures raw glob patterns for a plugin. Returns an error if
// the plugin id is empty or any pattern is invalid.
//
// The patterns slice is copied. Calling SetGrants again for the same plugin
// replaces all previous grants. If validation fails, no changes are made
// (all-or-nothing).
func (e *Enforcer) SetGrants(pluginID string, patterns []string) error {
	if pluginID == "" {
		return oops.In("capability").Code(errutil.CodeValidation).New("plugin id cannot be empty")
	}

	// Compile all patterns before acquiring lock (fail-fast, atomic)
	compiled := make([]compiledGrant, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return oops.In("capability").Code(errutil.CodeValidation).
				With("plugin", pluginID).With("index", i).New("empty capability pattern")
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return oops.In("capability").Code(errutil.CodeValidation).
				With("plugin", pluginID).With("pattern", pattern).Wrapf(err, "compile capability pattern")
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}
	e.grants[pluginID] = compiled
	return nil
}

// IsRegistered returns true if the plugin has grants installed, even an
// empty set. This distinguishes "plugin not registered" from "plugin lacks
// capability".
func (e *Enforcer) IsRegistered(pluginID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.grants == nil {
		return false
	}
	_, ok := e.grants[pluginID]
	return ok
}

// RemoveGrants unregisters a plugin. Safe to call for unknown plugins or
// on a zero-value Enforcer.
func (e *Enforcer) RemoveGrants(pluginID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.grants == nil {
		return
	}
	delete(e.grants, pluginID)
}

// GetGrants returns a copy of the patterns granted to a plugin, or nil if
// the plugin is not registered.
func (e *Enforcer) GetGrants(pluginID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	grants, ok := e.grants[pluginID]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Check returns true if the plugin may perform op.
//
// Deny by default: an empty op, an unknown plugin, or no matching grant
// all return false.
func (e *Enforcer) Check(pluginID, op string) bool {
	if op == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, grant := range e.grants[pluginID] {
		if grant.glob.Match(op) {
			return true
		}
	}
	return false
}

// HasCategory reports whether any operation of the category is granted.
func (e *Enforcer) HasCategory(pluginID string, category Category) bool {
	for _, op := range category.Ops() {
		if e.Check(pluginID, op) {
			return true
		}
	}
	return false
}
