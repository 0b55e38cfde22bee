// Package events implements the in-process lifecycle hook registry (C6).
// It replaces the teacher's cron Registry (internal/scheduler/registry.go)
// shape — a mutex-guarded map — repointed at named event listeners instead
// of cron schedules.
package events

import "sync"

// Canonical event names fired by the job and worker lifecycle.
const (
	AfterEnqueue    = "afterEnqueue"
	BeforeFirstFork = "beforeFirstFork"
	BeforeFork      = "beforeFork"
	AfterFork       = "afterFork"
	BeforePerform   = "beforePerform"
	AfterPerform    = "afterPerform"
	OnFailure       = "onFailure"
)

// Listener receives the payload passed to Trigger for the event it is
// registered against.
type Listener func(data interface{})

// Bus is an ordered, per-event listener registry. The zero value is not
// usable; construct with New.
type Bus struct {
	mu        sync.Mutex
	listeners map[string][]registeredListener
	seq       uint64
}

type registeredListener struct {
	id uint64
	fn Listener
}

// ListenerHandle identifies a registered listener so it can be removed later
// by StopListening without relying on function identity (Go funcs are not
// comparable in the general case).
type ListenerHandle struct {
	event string
	id    uint64
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{listeners: make(map[string][]registeredListener)}
}

// Listen registers fn against event and returns a handle usable with
// StopListening. Listeners fire in registration order.
func (b *Bus) Listen(event string, fn Listener) ListenerHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	h := ListenerHandle{event: event, id: b.seq}
	b.listeners[event] = append(b.listeners[event], registeredListener{id: h.id, fn: fn})
	return h
}

// StopListening removes the listener identified by h, if still present. It
// is a no-op if the listener was already removed.
func (b *Bus) StopListening(h ListenerHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.listeners[h.event]
	for i, rl := range list {
		if rl.id == h.id {
			b.listeners[h.event] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Trigger invokes every listener registered for event, in registration
// order, synchronously, passing data to each.
func (b *Bus) Trigger(event string, data interface{}) {
	b.mu.Lock()
	list := make([]registeredListener, len(b.listeners[event]))
	copy(list, b.listeners[event])
	b.mu.Unlock()

	for _, rl := range list {
		rl.fn(data)
	}
}

// ClearListeners removes every listener for every event.
func (b *Bus) ClearListeners() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[string][]registeredListener)
}
