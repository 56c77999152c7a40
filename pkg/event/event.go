// Package event implements the listener registry behind extension events such
// as runtime.onMessage.
package event

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

const logPrefix = "event:event"

// Reply sends a listener's response back to the emitter. Only the first reply of
// an emission is delivered.
type Reply func(response interface{})

// Listener handles one emission. sender is whatever provenance the emitter supplies.
type Listener func(payload interface{}, sender interface{}, reply Reply)

// ListenerID identifies a registration. The zero value never identifies a listener.
type ListenerID uint64

// Subscriber is the registration surface shared by supported and unsupported events.
type Subscriber interface {
	AddListener(fn Listener) ListenerID
	RemoveListener(id ListenerID)
	HasListener(id ListenerID) bool
	HasListeners() bool
}

type entry struct {
	id ListenerID
	fn Listener
}

// Event holds listeners in insertion order.
type Event struct {
	mu        sync.RWMutex
	listeners []entry
	nextID    ListenerID
	onPanic   func(err error)
}

// Option configures an Event.
type Option func(*Event)

// WithPanicHandler reports listener panics to fn instead of only logging them.
func WithPanicHandler(fn func(err error)) Option {
	return func(e *Event) { e.onPanic = fn }
}

// New creates an empty Event.
func New(opts ...Option) *Event {
	e := &Event{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddListener appends fn and returns its registration id.
func (e *Event) AddListener(fn Listener) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.listeners = append(e.listeners, entry{id: e.nextID, fn: fn})
	return e.nextID
}

// RemoveListener removes the registration id. Unknown ids are ignored.
func (e *Event) RemoveListener(id ListenerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// HasListener reports whether id is registered.
func (e *Event) HasListener(id ListenerID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, l := range e.listeners {
		if l.id == id {
			return true
		}
	}
	return false
}

// HasListeners reports whether any listener is registered.
func (e *Event) HasListeners() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners) > 0
}

// Emit invokes every listener in insertion order. The first listener to call
// its Reply wins and its response is passed to responder; later replies are
// dropped. If nobody replies, responder is never called. Emit returns the
// number of listeners invoked.
func (e *Event) Emit(payload interface{}, sender interface{}, responder func(response interface{})) int {
	e.mu.RLock()
	snapshot := make([]entry, len(e.listeners))
	copy(snapshot, e.listeners)
	e.mu.RUnlock()

	race := NewRace(responder)
	for _, l := range snapshot {
		e.invoke(l, payload, sender, race.Settle)
	}
	return len(snapshot)
}

func (e *Event) invoke(l entry, payload, sender interface{}, reply Reply) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s - listener %d panicked: %v", logPrefix, l.id, r)
			slog.Error(err.Error())
			if e.onPanic != nil {
				e.onPanic(err)
			}
		}
	}()
	l.fn(payload, sender, reply)
}

// Race resolves on the first settled value and discards the rest.
type Race struct {
	settled  atomic.Bool
	resolved func(response interface{})
}

// NewRace creates a Race delivering the winning value to resolved.
// A nil resolved discards every value.
func NewRace(resolved func(response interface{})) *Race {
	return &Race{resolved: resolved}
}

// Settle offers a value; it has the Reply signature.
func (r *Race) Settle(response interface{}) {
	r.TrySettle(response)
}

// TrySettle offers a value and reports whether it won.
func (r *Race) TrySettle(response interface{}) bool {
	if !r.settled.CompareAndSwap(false, true) {
		return false
	}
	if r.resolved != nil {
		r.resolved(response)
	}
	return true
}

// Settled reports whether a value has won.
func (r *Race) Settled() bool {
	return r.settled.Load()
}
