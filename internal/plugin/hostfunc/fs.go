// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package hostfunc

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/sandhost/sandhost/internal/plugin/capability"
	"github.com/sandhost/sandhost/pkg/errutil"
)

// maxReadBytes caps a single api.fs.read_file.
const maxReadBytes = 8 << 20

// fsCap is api.fs, rooted at the plugin's private data directory.
type fsCap struct {
	inst *Instance
	root string
}

func (c *fsCap) table(L *lua.LState) *lua.LTable {
	mod := L.NewTable()
	e := c.inst.f.enforcer
	id := c.inst.pluginID
	if e.Check(id, capability.OpFSRead) {
		L.SetField(mod, "read_file", L.NewFunction(c.inst.wrap(capability.OpFSRead, c.readFile)))
		L.SetField(mod, "exists", L.NewFunction(c.inst.wrap(capability.OpFSRead, c.exists)))
		L.SetField(mod, "list_files", L.NewFunction(c.inst.wrap(capability.OpFSRead, c.listFiles)))
	}
	if e.Check(id, capability.OpFSWrite) {
		L.SetField(mod, "write_file", L.NewFunction(c.inst.wrap(capability.OpFSWrite, c.writeFile)))
	}
	return mod
}

// resolve maps a guest path onto the private root. The canonical absolute
// path must stay inside the root; symlinks in the existing part of the
// path are followed before the check.
func (c *fsCap) resolve(p string) (string, error) {
	root, err := filepath.Abs(c.root)
	if err != nil {
		return "", err
	}
	target := filepath.Clean(filepath.Join(root, filepath.FromSlash(p)))
	if !within(root, target) {
		return "", c.escape(p)
	}

	realRoot := root
	if r, err := filepath.EvalSymlinks(root); err == nil {
		realRoot = r
	}
	existing, rest := target, ""
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
	if within(root, existing) {
		real, err := filepath.EvalSymlinks(existing)
		if err != nil || !within(realRoot, filepath.Join(real, rest)) {
			return "", c.escape(p)
		}
	}
	return target, nil
}

func (c *fsCap) escape(p string) error {
	return oops.In("hostfunc").Code(errutil.CodePermission).
		With("plugin", c.inst.pluginID).With("path", p).
		Errorf("path %q escapes the plugin data directory", p)
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// readFile: api.fs.read_file(path) -> content | nil, err
func (c *fsCap) readFile(L *lua.LState) int {
	path, err := c.resolve(L.CheckString(1))
	if err != nil {
		return raise(L, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return pushError(L, cleanFSError(err, c.root))
	}
	if info.Size() > maxReadBytes {
		return pushError(L, "file exceeds read limit")
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is contained in the plugin root
	if err != nil {
		return pushError(L, cleanFSError(err, c.root))
	}
	return pushSuccess(L, lua.LString(string(data)))
}

// writeFile: api.fs.write_file(path, content) -> true | nil, err
func (c *fsCap) writeFile(L *lua.LState) int {
	path, err := c.resolve(L.CheckString(1))
	if err != nil {
		return raise(L, err)
	}
	content := L.CheckString(2)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return pushError(L, cleanFSError(err, c.root))
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return pushError(L, cleanFSError(err, c.root))
	}
	return pushSuccess(L, lua.LTrue)
}

// exists: api.fs.exists(path) -> bool
func (c *fsCap) exists(L *lua.LState) int {
	path, err := c.resolve(L.CheckString(1))
	if err != nil {
		return raise(L, err)
	}
	_, err = os.Stat(path)
	L.Push(lua.LBool(err == nil))
	return 1
}

// listFiles: api.fs.list_files([dir]) -> {names...} | nil, err
func (c *fsCap) listFiles(L *lua.LState) int {
	path, err := c.resolve(L.OptString(1, "."))
	if err != nil {
		return raise(L, err)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return pushSuccess(L, L.NewTable())
		}
		return pushError(L, cleanFSError(err, c.root))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return pushSuccess(L, ToLua(L, names))
}

// cleanFSError hides the host side of paths from the guest.
func cleanFSError(err error, root string) string {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		rel, relErr := filepath.Rel(root, pathErr.Path)
		if relErr != nil {
			rel = filepath.Base(pathErr.Path)
		}
		return pathErr.Op + " " + filepath.ToSlash(rel) + ": " + pathErr.Err.Error()
	}
	return err.Error()
}
