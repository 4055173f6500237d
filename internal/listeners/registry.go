// Package listeners is a small subscription registry with paired removal.
package listeners

import (
	"slices"
	"sync"
)

// Registry holds callbacks of one notification type.
type Registry[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(T)
}

// Add registers fn and returns the function that removes it. Calling the
// returned function more than once is harmless.
func (r *Registry[T]) Add(fn func(T)) (remove func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fns == nil {
		r.fns = make(map[uint64]func(T))
	}
	id := r.next
	r.next++
	r.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.fns, id)
			r.mu.Unlock()
		})
	}
}

// Emit calls every registered callback in registration order. Callbacks are
// invoked outside the lock so they may add or remove listeners.
func (r *Registry[T]) Emit(v T) {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.fns))
	for id := range r.fns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.fns[id])
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered callbacks.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fns)
}

// Clear removes every callback.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	r.fns = nil
	r.mu.Unlock()
}
