// Package ring provides a fixed-capacity buffer that evicts its oldest item
package ring

import (
	"sync"
)

// Ring holds at most Cap() items; pushing onto a full ring drops the oldest
type Ring[T any] struct {
	mu *sync.RWMutex

	items []T

	// index of the next write
	head int

	count int
}

// New returns a ring with the given capacity (minimum 1)
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		mu:    &sync.RWMutex{},
		items: make([]T, capacity),
	}
}

// Push adds an item, evicting the oldest if the ring is full
func (r *Ring[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)

	if r.count < len(r.items) {
		r.count++
	}
}

// Newest returns a copy of the contents, newest first
func (r *Ring[T]) Newest() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, r.count)

	for i := 1; i <= r.count; i++ {
		idx := (r.head - i + len(r.items)) % len(r.items)
		out = append(out, r.items[idx])
	}

	return out
}

// Len returns the number of items held
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the capacity
func (r *Ring[T]) Cap() int {
	return len(r.items)
}
