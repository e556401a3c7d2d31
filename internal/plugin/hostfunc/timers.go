// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package hostfunc

import (
	"sync"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/sandhost/sandhost/pkg/errutil"
)

// minInterval keeps set_interval from spinning the executor.
const minInterval = 10 * time.Millisecond

// maxDelayMillis caps timer delays at one day so the conversion to a
// Duration cannot overflow.
const maxDelayMillis = float64(24 * time.Hour / time.Millisecond)

type timerEntry struct {
	timer    *time.Timer
	fn       *lua.LFunction
	interval time.Duration
}

// TimerSet tracks every live timer of one plugin. Callbacks run on the
// plugin's scheduler, never on the timer goroutine.
type TimerSet struct {
	mu        sync.Mutex
	limit     int
	nextID    int
	timers    map[int]*timerEntry
	closed    bool
	suspended bool
	scheduler Scheduler
	onError   ErrorHandler
}

// NewTimerSet creates a timer set capped at limit live timers.
func NewTimerSet(limit int, scheduler Scheduler, onError ErrorHandler) *TimerSet {
	if limit <= 0 {
		limit = DefaultMaxTimers
	}
	return &TimerSet{
		limit:     limit,
		timers:    make(map[int]*timerEntry),
		scheduler: scheduler,
		onError:   onError,
	}
}

// Len returns the number of live timers.
func (s *TimerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// add arms a timer. interval > 0 makes it repeat.
func (s *TimerSet) add(fn *lua.LFunction, delay, interval time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, oops.In("timers").Code(errutil.CodeSandboxClosed).New("timers are closed")
	}
	if s.suspended {
		return 0, oops.In("timers").Code(errutil.CodeInvalidState).New("plugin is disabled")
	}
	if len(s.timers) >= s.limit {
		return 0, oops.In("timers").Code(errutil.CodeResourceLimit).
			With("limit", s.limit).Errorf("timer limit of %d reached", s.limit)
	}
	s.nextID++
	id := s.nextID
	entry := &timerEntry{fn: fn, interval: interval}
	entry.timer = time.AfterFunc(delay, func() { s.fire(id) })
	s.timers[id] = entry
	return id, nil
}

// fire hands the callback to the scheduler. The entry is looked up again
// on the guest goroutine so a timer cleared in between never runs.
func (s *TimerSet) fire(id int) {
	err := s.scheduler.Post(func(L *lua.LState) {
		s.mu.Lock()
		entry, ok := s.timers[id]
		if ok && entry.interval == 0 {
			delete(s.timers, id)
		}
		suspended := s.suspended
		s.mu.Unlock()
		if !ok || suspended {
			return
		}

		if err := L.CallByParam(lua.P{Fn: entry.fn, NRet: 0, Protect: true}); err != nil {
			s.onError("timer", err)
		}

		if entry.interval > 0 {
			s.mu.Lock()
			if _, live := s.timers[id]; live && !s.closed && !s.suspended {
				entry.timer.Reset(entry.interval)
			}
			s.mu.Unlock()
		}
	})
	if err != nil {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
	}
}

// Clear cancels one timer and reports whether it was live.
func (s *TimerSet) Clear(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.timers[id]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.timers, id)
	return true
}

// ClearAll cancels every live timer and returns how many there were.
func (s *TimerSet) ClearAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.timers)
	for id, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, id)
	}
	return n
}

// Suspend clears every timer and refuses new ones until the set is
// closed. It returns how many timers were cleared.
func (s *TimerSet) Suspend() int {
	s.mu.Lock()
	s.suspended = true
	s.mu.Unlock()
	return s.ClearAll()
}

// Close clears every timer and refuses new ones.
func (s *TimerSet) Close() int {
	n := s.ClearAll()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return n
}

func (s *TimerSet) table(L *lua.LState, inst *Instance) *lua.LTable {
	mod := L.NewTable()
	L.SetField(mod, "set_timeout", L.NewFunction(s.setTimeout(inst)))
	L.SetField(mod, "set_interval", L.NewFunction(s.setInterval(inst)))
	L.SetField(mod, "clear", L.NewFunction(s.clear))
	L.SetField(mod, "count", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(s.Len()))
		return 1
	}))
	return mod
}

// setTimeout: api.timers.set_timeout(fn, ms) -> id
func (s *TimerSet) setTimeout(inst *Instance) lua.LGFunction {
	return func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		delay := millis(L.OptNumber(2, 0), 0)
		id, err := s.add(fn, delay, 0)
		if err != nil {
			return raise(L, oops.With("plugin", inst.pluginID).Wrap(err))
		}
		L.Push(lua.LNumber(id))
		return 1
	}
}

// setInterval: api.timers.set_interval(fn, ms) -> id
func (s *TimerSet) setInterval(inst *Instance) lua.LGFunction {
	return func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		interval := millis(L.CheckNumber(2), minInterval)
		id, err := s.add(fn, interval, interval)
		if err != nil {
			return raise(L, oops.With("plugin", inst.pluginID).Wrap(err))
		}
		L.Push(lua.LNumber(id))
		return 1
	}
}

// millis converts a guest millisecond count, clamped to [floor, one day].
// NaN counts as zero.
func millis(n lua.LNumber, floor time.Duration) time.Duration {
	ms := float64(n)
	if !(ms > 0) {
		ms = 0
	}
	ms = min(ms, maxDelayMillis)
	return max(time.Duration(ms)*time.Millisecond, floor)
}

// clear: api.timers.clear(id) -> bool
func (s *TimerSet) clear(L *lua.LState) int {
	L.Push(lua.LBool(s.Clear(L.CheckInt(1))))
	return 1
}
