package session

import "sync"

// Ring keeps the most recent items added to it, up to a fixed limit. Once
// full, each Add evicts the oldest item. It is safe for concurrent use.
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int // index of the oldest item
	size  int
}

// NewRing creates a ring holding at most limit items. Limits below one are
// raised to one.
func NewRing[T any](limit int) *Ring[T] {
	return &Ring[T]{items: make([]T, max(limit, 1))}
}

// Add appends v, evicting the oldest item when the ring is full.
func (r *Ring[T]) Add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.items) {
		r.items[(r.head+r.size)%len(r.items)] = v
		r.size++
		return
	}
	r.items[r.head] = v
	r.head = (r.head + 1) % len(r.items)
}

// Len reports how many items the ring holds.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Items returns a copy of the held items, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, r.size)
	n := copy(out, r.items[r.head:min(r.head+r.size, len(r.items))])
	copy(out[n:], r.items[:r.size-n])
	return out
}
