// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package hostfunc

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/sandhost/sandhost/internal/plugin/capability"
)

// storageCap is api.storage. The namespace is always the plugin id, so a
// guest cannot name another plugin's keys.
type storageCap struct {
	inst *Instance
	kv   KVStore
}

func (c *storageCap) table(L *lua.LState) *lua.LTable {
	mod := L.NewTable()
	e := c.inst.f.enforcer
	id := c.inst.pluginID
	if e.Check(id, capability.OpStorageRead) {
		L.SetField(mod, "get", L.NewFunction(c.inst.wrap(capability.OpStorageRead, c.get)))
		L.SetField(mod, "list", L.NewFunction(c.inst.wrap(capability.OpStorageRead, c.list)))
	}
	if e.Check(id, capability.OpStorageWrite) {
		L.SetField(mod, "set", L.NewFunction(c.inst.wrap(capability.OpStorageWrite, c.set)))
		L.SetField(mod, "delete", L.NewFunction(c.inst.wrap(capability.OpStorageWrite, c.del)))
	}
	return mod
}

// get: api.storage.get(key) -> value | nil, err. Values round-trip through
// JSON, so tables come back as tables.
func (c *storageCap) get(L *lua.LState) int {
	key := L.CheckString(1)
	if c.kv == nil {
		return pushError(L, "storage not available")
	}
	raw, err := c.kv.Get(hostContext(L), c.inst.pluginID, key)
	if err != nil {
		return pushError(L, err.Error())
	}
	if raw == nil {
		return pushSuccess(L, lua.LNil)
	}
	v, err := decodeValue(raw)
	if err != nil {
		return pushError(L, err.Error())
	}
	return pushSuccess(L, ToLua(L, v))
}

// set: api.storage.set(key, value) -> true | nil, err
func (c *storageCap) set(L *lua.LState) int {
	key := L.CheckString(1)
	if c.kv == nil {
		return pushError(L, "storage not available")
	}
	v, err := FromLua(L.CheckAny(2))
	if err != nil {
		return pushError(L, err.Error())
	}
	raw, err := encodeValue(v)
	if err != nil {
		return pushError(L, err.Error())
	}
	if err := c.kv.Set(hostContext(L), c.inst.pluginID, key, raw); err != nil {
		return pushError(L, err.Error())
	}
	return pushSuccess(L, lua.LTrue)
}

// del: api.storage.delete(key) -> true | nil, err
func (c *storageCap) del(L *lua.LState) int {
	key := L.CheckString(1)
	if c.kv == nil {
		return pushError(L, "storage not available")
	}
	if err := c.kv.Delete(hostContext(L), c.inst.pluginID, key); err != nil {
		return pushError(L, err.Error())
	}
	return pushSuccess(L, lua.LTrue)
}

// list: api.storage.list([prefix]) -> {keys...} | nil, err
func (c *storageCap) list(L *lua.LState) int {
	prefix := L.OptString(1, "")
	if c.kv == nil {
		return pushError(L, "storage not available")
	}
	keys, err := c.kv.List(hostContext(L), c.inst.pluginID, prefix)
	if err != nil {
		return pushError(L, err.Error())
	}
	return pushSuccess(L, ToLua(L, keys))
}
