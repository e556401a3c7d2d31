// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package hostfunc

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/sandhost/sandhost/pkg/errutil"
)

// HostOwner is the subscriber id used for host-side observers.
const HostOwner = ""

// Event is one message on the bus. Name is always qualified with the
// emitting plugin ("<plugin>:<name>").
type Event struct {
	Name    string    `json:"name"`
	Source  string    `json:"source"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// Handler receives bus events. Handlers run on the publisher's goroutine
// and must not block.
type Handler func(Event)

type subscription struct {
	id      uint64
	owner   string
	pattern string
	glob    glob.Glob
	handler Handler
}

// Bus is the one resource shared between plugins. Emission is always
// namespaced by the emitter; the host may observe everything.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	logger *slog.Logger
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[uint64]*subscription),
		logger: slog.Default(),
	}
}

// Subscribe registers handler for events whose qualified name matches the
// glob pattern. owner is the subscribing plugin id, or HostOwner.
func (b *Bus) Subscribe(owner, pattern string, handler Handler) (uint64, error) {
	if handler == nil {
		return 0, oops.In("events").Code(errutil.CodeValidation).New("handler is required")
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, oops.In("events").Code(errutil.CodeValidation).
			With("pattern", pattern).Wrapf(err, "compile event pattern")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = &subscription{
		id:      b.nextID,
		owner:   owner,
		pattern: pattern,
		glob:    g,
		handler: handler,
	}
	return b.nextID, nil
}

// Unsubscribe removes a subscription. It reports whether owner held it.
func (b *Bus) Unsubscribe(owner string, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok || sub.owner != owner {
		return false
	}
	delete(b.subs, id)
	return true
}

// UnsubscribeOwner removes every subscription held by owner.
func (b *Bus) UnsubscribeOwner(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, sub := range b.subs {
		if sub.owner == owner {
			delete(b.subs, id)
			n++
		}
	}
	return n
}

// Publish delivers ev to every matching subscriber in subscription order.
func (b *Bus) Publish(ev Event) int {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.glob.Match(ev.Name) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	for _, sub := range matched {
		b.deliver(sub, ev)
	}
	return len(matched)
}

func (b *Bus) deliver(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", ev.Name, "subscriber", sub.owner, "panic", r)
		}
	}()
	sub.handler(ev)
}

// Subscriptions returns the number of live subscriptions held by owner.
func (b *Bus) Subscriptions(owner string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subs {
		if sub.owner == owner {
			n++
		}
	}
	return n
}
