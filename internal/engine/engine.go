// Package engine defines the contract between the session controller
// and the external interception engine that owns the virtual network
// interface, together with an in-process simulation and an SSH-driven
// implementation for a remote device.
//
// Start and Stop only begin a transition.  Completion is reported by
// [EventStarted] / [EventStopped] to every subscribed [Listener]; callers
// must never assume success from the synchronous return alone.
package engine

import (
	"sync"

	"mitmctl/internal/tunnelcfg"
)

// Event is an asynchronous engine notification.
type Event int

const (
	EventStarted Event = iota + 1
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Listener receives engine events.  It is called from the engine's own
// goroutine and must not block for long.
type Listener func(Event)

// Engine abstracts the interception engine.
type Engine interface {
	// IsActive reports whether the virtual interface is up.
	IsActive() bool

	// Start begins asynchronous startup with cfg.  It fails with an
	// error matching errors.ErrEngineStartFailed when cfg is malformed
	// or the engine is already active.
	Start(cfg tunnelcfg.Config) error

	// Stop begins teardown.  It is idempotent: stopping an inactive
	// engine returns nil.
	Stop() error

	// Subscribe registers l and returns a function that removes it.
	Subscribe(l Listener) (unsubscribe func())
}

// Broker is a listener registry that engines embed to fan events out.
// Listeners are invoked in subscription order; Publish calls are
// serialised so every listener sees the same event order.
type Broker struct {
	mu        sync.Mutex
	publishMu sync.Mutex
	next      int
	listeners map[int]Listener
	order     []int
}

// Subscribe implements [Engine.Subscribe].
func (b *Broker) Subscribe(l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listeners == nil {
		b.listeners = make(map[int]Listener)
	}
	id := b.next
	b.next++
	b.listeners[id] = l
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Broker) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Publish delivers ev to every current listener.
func (b *Broker) Publish(ev Event) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	ls := make([]Listener, 0, len(b.order))
	for _, id := range b.order {
		ls = append(ls, b.listeners[id])
	}
	b.mu.Unlock()

	for _, l := range ls {
		l(ev)
	}
}

// Len returns the number of registered listeners.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}
