// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package hostfunc

import (
	"strings"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/sandhost/sandhost/internal/plugin/capability"
	"github.com/sandhost/sandhost/pkg/errutil"
)

// eventsCap is api.events.
type eventsCap struct {
	inst       *Instance
	bus        *Bus
	crossAllow bool
	scheduler  Scheduler
	onError    ErrorHandler
}

func (c *eventsCap) table(L *lua.LState) *lua.LTable {
	mod := L.NewTable()
	e := c.inst.f.enforcer
	id := c.inst.pluginID
	if e.Check(id, capability.OpEventsEmit) {
		L.SetField(mod, "emit", L.NewFunction(c.inst.wrap(capability.OpEventsEmit, c.emit)))
	}
	if e.Check(id, capability.OpEventsSubscribe) {
		L.SetField(mod, "on", L.NewFunction(c.inst.wrap(capability.OpEventsSubscribe, c.on)))
		L.SetField(mod, "off", L.NewFunction(c.inst.wrap(capability.OpEventsSubscribe, c.off)))
	}
	return mod
}

// qualify prefixes a local event name with the plugin id.
func (c *eventsCap) qualify(name string) string {
	return c.inst.pluginID + ":" + name
}

// emit: api.events.emit(name[, payload]) -> delivered count
func (c *eventsCap) emit(L *lua.LState) int {
	name := L.CheckString(1)
	if name == "" || strings.ContainsAny(name, ":*?[]{}") {
		L.ArgError(1, "event name must be non-empty and unqualified")
		return 0
	}
	payload, err := FromLua(L.Get(2))
	if err != nil {
		return pushError(L, err.Error())
	}
	n := c.bus.Publish(Event{
		Name:    c.qualify(name),
		Source:  c.inst.pluginID,
		Payload: payload,
	})
	L.Push(lua.LNumber(n))
	return 1
}

// on: api.events.on(pattern, fn) -> subscription id. Unqualified patterns
// are scoped to the plugin's own events. Qualified patterns naming another
// plugin need the host to allow cross-plugin subscription.
func (c *eventsCap) on(L *lua.LState) int {
	pattern := L.CheckString(1)
	fn := L.CheckFunction(2)

	if strings.Contains(pattern, ":") {
		own := strings.HasPrefix(pattern, c.inst.pluginID+":")
		if !own && !c.crossAllow {
			return raise(L, oops.In("hostfunc").Code(errutil.CodePermission).
				With("plugin", c.inst.pluginID).With("pattern", pattern).
				Errorf("cross-plugin subscription to %q is not allowed", pattern))
		}
	} else {
		pattern = c.qualify(pattern)
	}

	id, err := c.bus.Subscribe(c.inst.pluginID, pattern, func(ev Event) {
		if c.inst.inert() {
			return
		}
		postErr := c.scheduler.Post(func(L *lua.LState) {
			if c.inst.inert() {
				return
			}
			err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true},
				ToLua(L, ev.Payload), lua.LString(ev.Name), lua.LString(ev.Source))
			if err != nil {
				c.onError("event:"+ev.Name, err)
			}
		})
		if postErr != nil {
			c.onError("event:"+ev.Name, postErr)
		}
	})
	if err != nil {
		return pushError(L, err.Error())
	}
	L.Push(lua.LNumber(id))
	return 1
}

// off: api.events.off(id) -> bool
func (c *eventsCap) off(L *lua.LState) int {
	id := L.CheckInt64(1)
	L.Push(lua.LBool(c.bus.Unsubscribe(c.inst.pluginID, uint64(id)))) //nolint:gosec // ids are positive
	return 1
}

func (c *eventsCap) unsubscribeAll() {
	c.bus.UnsubscribeOwner(c.inst.pluginID)
}
