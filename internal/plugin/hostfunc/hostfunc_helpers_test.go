// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package hostfunc_test

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/sandhost/sandhost/internal/plugin/capability"
	"github.com/sandhost/sandhost/internal/plugin/hostfunc"
)

// queueScheduler collects posted callbacks so the test goroutine, which
// owns the LState, can run them.
type queueScheduler struct {
	ch chan func(*lua.LState)
}

func newQueueScheduler() *queueScheduler {
	return &queueScheduler{ch: make(chan func(*lua.LState), 64)}
}

func (q *queueScheduler) Post(fn func(*lua.LState)) error {
	select {
	case q.ch <- fn:
		return nil
	default:
		return errors.New("queue full")
	}
}

// runNext runs one posted callback, failing the test if none arrives.
func (q *queueScheduler) runNext(t *testing.T, L *lua.LState, wait time.Duration) {
	t.Helper()
	select {
	case fn := <-q.ch:
		fn(L)
	case <-time.After(wait):
		t.Fatal("no callback was scheduled")
	}
}

// memKV is a minimal namespaced store.
type memKV struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]map[string][]byte)}
}

func (m *memKV) Get(_ context.Context, ns, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[ns][key], nil
}

func (m *memKV) Set(_ context.Context, ns, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[ns] == nil {
		m.data[ns] = make(map[string][]byte)
	}
	m.data[ns][key] = value
	return nil
}

func (m *memKV) Delete(_ context.Context, ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[ns], key)
	return nil
}

func (m *memKV) List(_ context.Context, ns, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data[ns] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

type guest struct {
	L     *lua.LState
	inst  *hostfunc.Instance
	sched *queueScheduler
	errs  []error
}

// newGuest builds a capability table for pluginID and exposes it as the
// global "api".
func newGuest(t *testing.T, f *hostfunc.Functions, pluginID string, perms []string, crossPlugin bool) *guest {
	t.Helper()
	g := &guest{L: lua.NewState(), sched: newQueueScheduler()}
	t.Cleanup(g.L.Close)

	inst, err := f.Build(g.L, hostfunc.Env{
		PluginID:         pluginID,
		Permissions:      perms,
		AllowCrossPlugin: crossPlugin,
		Scheduler:        g.sched,
		OnError:          func(_ string, err error) { g.errs = append(g.errs, err) },
	})
	require.NoError(t, err)
	t.Cleanup(inst.Release)
	g.inst = inst
	g.L.SetGlobal("api", inst.Table)
	return g
}

func newFunctions(t *testing.T, opts ...hostfunc.Option) *hostfunc.Functions {
	t.Helper()
	base := []hostfunc.Option{hostfunc.WithDataRoot(t.TempDir())}
	return hostfunc.New(capability.NewEnforcer(), append(base, opts...)...)
}
