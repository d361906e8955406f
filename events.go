package tggl

import (
	"sync"

	"github.com/google/uuid"
)

// FlagEvalEvent describes a single flag evaluation.
type FlagEvalEvent struct {
	Slug    string
	Value   any
	Default any
}

// listenerRegistry is a registry of callbacks keyed by opaque handles.
// Registration returns an unsubscribe func that is safe to call from any
// goroutine, including from inside a callback. An in-progress emit
// notifies the listeners present when it started; concurrent
// registration changes do not affect it.
type listenerRegistry[T any] struct {
	mu        sync.RWMutex
	listeners map[string]func(T)
}

func newListenerRegistry[T any]() *listenerRegistry[T] {
	return &listenerRegistry[T]{listeners: make(map[string]func(T))}
}

func (r *listenerRegistry[T]) add(listener func(T)) func() {
	id := uuid.NewString()
	r.mu.Lock()
	r.listeners[id] = listener
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *listenerRegistry[T]) emit(event T) {
	r.mu.RLock()
	snapshot := make([]func(T), 0, len(r.listeners))
	for _, listener := range r.listeners {
		snapshot = append(snapshot, listener)
	}
	r.mu.RUnlock()

	// Callbacks run outside the lock so they may unsubscribe themselves
	// or register new listeners.
	for _, listener := range snapshot {
		notify(listener, event)
	}
}

func (r *listenerRegistry[T]) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// notify shields the emitting worker from a panicking callback.
func notify[T any](listener func(T), event T) {
	defer func() {
		_ = recover()
	}()
	listener(event)
}
