// Package ring provides a fixed-capacity, goroutine-safe history buffer.
package ring

import "sync"

// Buffer keeps the most recent values up to its capacity.
type Buffer[T any] struct {
	mu    sync.Mutex
	items []T
	next  int
	full  bool
}

// New returns a buffer holding at most capacity values. Non-positive capacities become 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push records v, evicting the oldest value when full.
func (b *Buffer[T]) Push(v T) {
	b.mu.Lock()
	b.items[b.next] = v
	b.next++
	if b.next == len(b.items) {
		b.next = 0
		b.full = true
	}
	b.mu.Unlock()
}

// Len reports the number of stored values.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.items)
	}
	return b.next
}

// Snapshot returns the stored values, oldest first.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		out := make([]T, b.next)
		copy(out, b.items[:b.next])
		return out
	}
	out := make([]T, 0, len(b.items))
	out = append(out, b.items[b.next:]...)
	return append(out, b.items[:b.next]...)
}

// Last returns the most recent value.
func (b *Buffer[T]) Last() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	if !b.full && b.next == 0 {
		return zero, false
	}
	idx := b.next - 1
	if idx < 0 {
		idx = len(b.items) - 1
	}
	return b.items[idx], true
}
