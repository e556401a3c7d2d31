// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package lua

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/sandhost/sandhost/pkg/errutil"
)

// Executor defaults.
const (
	DefaultQueueSize = 128
	// DefaultAbandonGrace is how long a caller keeps waiting for a call
	// after its deadline before giving up on it.
	DefaultAbandonGrace = 250 * time.Millisecond
)

var (
	// ErrExecutorClosed is returned when attempting to use a closed executor.
	ErrExecutorClosed = oops.In("lua").Code(errutil.CodeSandboxClosed).New("lua executor is closed")

	// ErrCallAbandoned is returned when a call did not finish within the
	// grace period after its deadline. The call may still be running.
	ErrCallAbandoned = oops.In("lua").Code(errutil.CodeTimeout).New("lua call abandoned after deadline")
)

// luaCall represents a Lua operation to be executed.
type luaCall struct {
	// fn is the function to execute on the Lua state.
	fn func(L *lua.LState) error

	// result receives the outcome; nil for posted callbacks nobody waits on.
	result chan error
}

// Executor serializes all Lua operations through a single goroutine.
//
// gopher-lua's LState is NOT goroutine-safe. All LState operations must occur
// on a single goroutine. Guest calls, timer callbacks and event deliveries of
// one plugin are all marshalled onto the executor's goroutine, which makes it
// the cooperative scheduler for that plugin.
//
// Usage:
//
//	exec := NewExecutor(L, 0)
//	exec.Start(ctx)
//	defer exec.Close()
//
//	// From any goroutine:
//	err := exec.Execute(ctx, func(L *lua.LState) error {
//	    L.Push(handler)
//	    return L.PCall(0, 0, nil)
//	})
type Executor struct {
	L      *lua.LState
	queue  chan *luaCall
	closed atomic.Bool
	done   chan struct{}
	exited chan struct{}
	grace  time.Duration

	started   atomic.Bool
	closeOnce sync.Once
}

// NewExecutor creates a new Executor for the given Lua state.
// The queue size determines how many operations can be buffered.
func NewExecutor(L *lua.LState, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Executor{
		L:      L,
		queue:  make(chan *luaCall, queueSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		grace:  DefaultAbandonGrace,
	}
}

// Start runs the executor on a new goroutine.
func (e *Executor) Start(ctx context.Context) {
	e.started.Store(true)
	go e.Run(ctx)
}

// Run processes Lua operations from the queue.
// This method blocks until the context is cancelled or Close is called.
// It must be the only goroutine that touches the Lua state.
func (e *Executor) Run(ctx context.Context) {
	e.started.Store(true)
	defer close(e.exited)
	for {
		select {
		case <-ctx.Done():
			e.closed.Store(true)
			e.drainQueue(ErrExecutorClosed)
			return
		case <-e.done:
			e.drainQueue(ErrExecutorClosed)
			return
		case call := <-e.queue:
			var err error
			if e.closed.Load() {
				err = ErrExecutorClosed
			} else {
				err = e.executeCall(call)
			}
			if call.result != nil {
				call.result <- err
				close(call.result)
			}
		}
	}
}

// executeCall runs a single Lua operation with panic recovery.
func (e *Executor) executeCall(call *luaCall) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok {
				err = oops.In("lua").Code(errutil.CodeRuntime).Wrapf(rerr, "lua panic")
				return
			}
			err = oops.In("lua").Code(errutil.CodeRuntime).Errorf("lua panic: %s", fmt.Sprint(r))
		}
	}()
	return call.fn(e.L)
}

// drainQueue drains remaining calls from the queue with the given error.
func (e *Executor) drainQueue(err error) {
	for {
		select {
		case call := <-e.queue:
			if call.result != nil {
				call.result <- err
				close(call.result)
			}
		default:
			return
		}
	}
}

// Execute runs a Lua operation synchronously.
// The operation is queued and executed on the executor's goroutine.
//
// Once ctx is done the caller waits at most the abandon grace for the
// result, then returns ErrCallAbandoned. fn is expected to honour ctx
// itself (LState.SetContext), so abandonment only happens when guest code
// is stuck somewhere the VM cannot interrupt.
func (e *Executor) Execute(ctx context.Context, fn func(L *lua.LState) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	call := &luaCall{
		fn:     fn,
		result: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- call:
	}

	select {
	case err, ok := <-call.result:
		if !ok {
			return ErrExecutorClosed
		}
		return err
	case <-ctx.Done():
	}

	timer := time.NewTimer(e.grace)
	defer timer.Stop()
	select {
	case err, ok := <-call.result:
		if !ok {
			return ErrExecutorClosed
		}
		return err
	case <-timer.C:
		return ErrCallAbandoned
	}
}

// Post queues a Lua operation without waiting for completion. It never
// blocks, so it is safe to call from the executor goroutine itself.
func (e *Executor) Post(fn func(L *lua.LState) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	select {
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- &luaCall{fn: fn}:
		return nil
	default:
		return oops.In("lua").Code(errutil.CodeResourceLimit).
			With("queue_size", cap(e.queue)).New("lua executor queue full")
	}
}

// Close stops the executor and prevents new operations. Queued operations
// complete with ErrExecutorClosed. Close waits for the running operation,
// if any, to return.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
	if e.started.Load() {
		<-e.exited
	}
}

// IsClosed returns true if the executor has been closed.
func (e *Executor) IsClosed() bool {
	return e.closed.Load()
}
