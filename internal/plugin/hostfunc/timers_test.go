// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package hostfunc_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandhost/sandhost/internal/plugin/hostfunc"
	"github.com/sandhost/sandhost/pkg/errutil"
)

func TestTimers_TimeoutFiresOnScheduler(t *testing.T) {
	g := newGuest(t, newFunctions(t), "p", nil, false)
	require.NoError(t, g.L.DoString(`
		fired = false
		id = api.timers.set_timeout(function() fired = true end, 5)
	`))
	assert.Equal(t, 1, g.inst.ActiveTimers())

	g.sched.runNext(t, g.L, time.Second)
	assert.Equal(t, "true", g.L.GetGlobal("fired").String())
	assert.Equal(t, 0, g.inst.ActiveTimers())
}

func TestTimers_CapRaises(t *testing.T) {
	g := newGuest(t, newFunctions(t, hostfunc.WithMaxTimers(2)), "p", nil, false)
	require.NoError(t, g.L.DoString(`
		api.timers.set_timeout(function() end, 60000)
		api.timers.set_timeout(function() end, 60000)
	`))

	err := g.L.DoString(`api.timers.set_timeout(function() end, 60000)`)
	require.Error(t, err)
	errutil.AssertErrorCode(t, hostfunc.HostError(err), errutil.CodeResourceLimit)
	assert.Equal(t, 2, g.inst.ActiveTimers())
}

func TestTimers_ClearAndClearAll(t *testing.T) {
	g := newGuest(t, newFunctions(t), "p", nil, false)
	require.NoError(t, g.L.DoString(`
		a = api.timers.set_timeout(function() end, 60000)
		b = api.timers.set_interval(function() end, 60000)
		c = api.timers.set_interval(function() end, 60000)
		cleared = api.timers.clear(a)
		again = api.timers.clear(a)
	`))
	assert.Equal(t, "true", g.L.GetGlobal("cleared").String())
	assert.Equal(t, "false", g.L.GetGlobal("again").String())
	assert.Equal(t, 2, g.inst.ActiveTimers())

	assert.Equal(t, 2, g.inst.ClearTimers())
	assert.Equal(t, 0, g.inst.ActiveTimers())
}

func TestTimers_ClearedTimerNeverRuns(t *testing.T) {
	g := newGuest(t, newFunctions(t), "p", nil, false)
	require.NoError(t, g.L.DoString(`
		ran = false
		api.timers.set_timeout(function() ran = true end, 1)
	`))

	// Let the timer post its callback, then clear before the guest runs it.
	var posted func()
	select {
	case fn := <-g.sched.ch:
		posted = func() { fn(g.L) }
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	g.inst.ClearTimers()
	posted()
	assert.Equal(t, "false", g.L.GetGlobal("ran").String())
}

func TestTimers_IntervalRepeats(t *testing.T) {
	g := newGuest(t, newFunctions(t), "p", nil, false)
	require.NoError(t, g.L.DoString(`
		count = 0
		id = api.timers.set_interval(function() count = count + 1 end, 10)
	`))
	g.sched.runNext(t, g.L, time.Second)
	g.sched.runNext(t, g.L, time.Second)
	assert.Equal(t, "2", g.L.GetGlobal("count").String())
	assert.Equal(t, 1, g.inst.ActiveTimers())
}

func TestTimers_CallbackErrorRoutedToHost(t *testing.T) {
	g := newGuest(t, newFunctions(t), "p", nil, false)
	require.NoError(t, g.L.DoString(`api.timers.set_timeout(function() error("tick failed") end, 1)`))
	g.sched.runNext(t, g.L, time.Second)
	require.Len(t, g.errs, 1)
	assert.Contains(t, g.errs[0].Error(), "tick failed")
}

func TestTimers_RefusedAfterRelease(t *testing.T) {
	g := newGuest(t, newFunctions(t), "p", nil, false)
	g.inst.Release()
	err := g.L.DoString(`api.timers.set_timeout(function() end, 1)`)
	require.Error(t, err)
	errutil.AssertErrorCode(t, hostfunc.HostError(err), errutil.CodeSandboxClosed)
}

func TestTimers_SuspendCancelsAndRefuses(t *testing.T) {
	g := newGuest(t, newFunctions(t), "p", nil, false)
	require.NoError(t, g.L.DoString(`
		api.timers.set_interval(function() end, 60000)
		api.timers.set_timeout(function() end, 60000)
	`))

	assert.Equal(t, 2, g.inst.Suspend())
	assert.Zero(t, g.inst.ActiveTimers())

	err := g.L.DoString(`api.timers.set_timeout(function() end, 1)`)
	require.Error(t, err)
	errutil.AssertErrorCode(t, hostfunc.HostError(err), errutil.CodeInvalidState)
	assert.Zero(t, g.inst.ActiveTimers())
}

func TestTimers_HugeDelaysDoNotFireEarly(t *testing.T) {
	g := newGuest(t, newFunctions(t), "p", nil, false)
	require.NoError(t, g.L.DoString(`
		api.timers.set_timeout(function() end, 1e300)
		api.timers.set_timeout(function() end, 9223372036854775807)
		api.timers.set_interval(function() end, 1e300)
	`))
	assert.Equal(t, 3, g.inst.ActiveTimers())

	select {
	case <-g.sched.ch:
		t.Fatal("timer with a huge delay fired")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 3, g.inst.ClearTimers())
}
