// Package ringbuf provides a fixed-capacity ring buffer that overwrites the
// oldest entry when full.
package ringbuf

import "sync"

// Buffer is safe for concurrent use. Push never blocks on a full buffer;
// it evicts the oldest element instead.
type Buffer[T any] struct {
	mu       sync.RWMutex
	data     []T
	capacity int
	size     int
	head     int // next write
	tail     int // oldest element
	evicted  uint64
}

// New panics if capacity is less than 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		panic("ringbuf: capacity must be at least 1")
	}
	return &Buffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
}

func (b *Buffer[T]) Push(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data[b.head] = item
	b.head = (b.head + 1) % b.capacity

	if b.size < b.capacity {
		b.size++
	} else {
		b.tail = (b.tail + 1) % b.capacity
		b.evicted++
	}
}

// Snapshot returns a copy of all elements, oldest first.
func (b *Buffer[T]) Snapshot() []T {
	return b.Last(b.Cap())
}

// Last returns up to n of the most recent elements, oldest first.
func (b *Buffer[T]) Last(n int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || b.size == 0 {
		return []T{}
	}
	if n > b.size {
		n = b.size
	}

	out := make([]T, n)
	start := b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.data[(b.tail+start+i)%b.capacity]
	}
	return out
}

// Newest returns the most recent element.
func (b *Buffer[T]) Newest() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var zero T
	if b.size == 0 {
		return zero, false
	}
	return b.data[(b.head-1+b.capacity)%b.capacity], true
}

func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *Buffer[T]) Cap() int { return b.capacity }

// Evicted reports how many elements have been overwritten since creation.
func (b *Buffer[T]) Evicted() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.evicted
}

func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for i := range b.data {
		b.data[i] = zero
	}
	b.size, b.head, b.tail = 0, 0, 0
}
