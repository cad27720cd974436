// Package observer provides a listener registry whose listeners are isolated
// from each other's failures.
package observer

import (
	"fmt"
	"log/slog"
	"sync"
)

type listener[T any] struct {
	id uint64
	fn func(T)
}

// Registry holds listeners for values of type T.
// Listeners run synchronously, in registration order, outside the registry lock.
type Registry[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []listener[T]
	logger    *slog.Logger
	name      string
}

// New creates a registry. name is attached to logs of recovered listener panics.
func New[T any](name string, logger *slog.Logger) *Registry[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[T]{
		logger: logger,
		name:   name,
	}
}

// Add registers fn and returns a function that removes it. Removing twice is a no-op.
func (r *Registry[T]) Add(fn func(T)) (remove func()) {
	if fn == nil {
		return func() {}
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, listener[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, l := range r.listeners {
		if l.id == id {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Emit delivers v to every listener registered at the time of the call.
// A panicking listener is recovered and logged; the remaining listeners still run.
func (r *Registry[T]) Emit(v T) {
	r.mu.Lock()
	snapshot := append([]listener[T](nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range snapshot {
		r.invoke(l, v)
	}
}

func (r *Registry[T]) invoke(l listener[T], v T) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("listener panicked",
				"registry", r.name,
				"listener", l.id,
				"error", fmt.Sprint(rec))
		}
	}()
	l.fn(v)
}

// Len returns the number of registered listeners.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// Clear removes every listener.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = nil
}
