// Package events is the Event Publisher (spec.md §4.E): an in-process
// synchronous fan-out (Bus), an optional cross-process relay over Redis
// Pub/Sub (RedisBus), and a rate-limited per-connection SSE dispatcher
// (SSE). The in-process shape - a registry of subscribers each with its
// own filter, walked synchronously on publish - is grounded on the
// teacher's notifications package, which keeps a registry of
// NotifListener callbacks invoked as progress updates arrive; this module
// collapses that multi-node registry down to a single-process one.
package events

import (
	"strings"
	"sync"

	"github.com/benediktbwimmer/apphub-sub006/cmn"
)

// Filter narrows a subscription to a backend mount, a path subtree, and/or
// a set of event types. A zero-value Filter matches everything.
type Filter struct {
	BackendMountID string
	PathPrefix     string
	Types          []cmn.EventType
}

func (f Filter) matches(evt cmn.Event) bool {
	if len(f.Types) > 0 && !containsType(f.Types, evt.Type) {
		return false
	}
	if f.BackendMountID != "" {
		if id, ok := evt.BackendMountIDOf(); !ok || id != f.BackendMountID {
			return false
		}
	}
	if f.PathPrefix != "" {
		path, ok := evt.NodePath()
		if !ok || !(path == f.PathPrefix || strings.HasPrefix(path, f.PathPrefix+"/")) {
			return false
		}
	}
	return true
}

func containsType(types []cmn.EventType, t cmn.EventType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// Handler receives events matching a subscription's Filter. It is invoked
// synchronously on the publishing goroutine (spec.md §5 "The event
// publisher dispatches synchronously to in-process subscribers") and must
// not block.
type Handler func(cmn.Event)

type subscriber struct {
	id      uint64
	filter  Filter
	handler Handler
}

// Bus is the in-process event publisher singleton.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers handler for events matching filter and returns an
// unsubscribe function.
func (b *Bus) Subscribe(filter Filter, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscriber{id: id, filter: filter, handler: handler}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish fans evt out to every matching subscriber synchronously. A
// panicking handler is recovered so one bad subscriber cannot take down
// the publishing command.
func (b *Bus) Publish(evt cmn.Event) {
	b.mu.RLock()
	matched := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.matches(evt) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		dispatchSafely(s.handler, evt)
	}
}

func dispatchSafely(h Handler, evt cmn.Event) {
	defer func() { _ = recover() }()
	h(evt)
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
