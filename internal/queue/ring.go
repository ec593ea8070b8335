// Package queue provides a bounded FIFO ring used for message histories and
// subscriber buffers.
package queue

// Ring is a bounded FIFO queue. Enqueueing into a full ring evicts the oldest item.
//
// Ring is not safe for concurrent use; callers guard it with their own lock.
type Ring[T any] struct {
	items []T
	head  int
	size  int
	// evicted counts items dropped by Enqueue on a full ring.
	evicted uint64
}

// NewRing creates a ring holding at most capacity items. A capacity below 1 is treated as 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}

	return &Ring[T]{items: make([]T, capacity)}
}

// Enqueue adds an item to the tail of the ring, evicting the head when full.
func (r *Ring[T]) Enqueue(item T) {
	r.Push(item)
}

// Push adds an item to the tail of the ring and returns the evicted head, if any.
func (r *Ring[T]) Push(item T) (T, bool) {
	var zero T
	capacity := len(r.items)

	if r.size < capacity {
		r.items[(r.head+r.size)%capacity] = item
		r.size++

		return zero, false
	}

	old := r.items[r.head]
	r.items[r.head] = item
	r.head = (r.head + 1) % capacity
	r.evicted++

	return old, true
}

// Dequeue removes and returns the item at the head of the ring.
func (r *Ring[T]) Dequeue() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}

	item := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--

	return item, true
}

// Peek returns the item at the head of the ring without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}

	return r.items[r.head], true
}

// Reset resets the ring to an empty state. The eviction counter is kept.
func (r *Ring[T]) Reset() {
	clear(r.items)
	r.head = 0
	r.size = 0
}

// IsEmpty returns true if the ring is empty, false otherwise.
func (r *Ring[T]) IsEmpty() bool {
	return r.size == 0
}

// Length returns the number of items in the ring.
func (r *Ring[T]) Length() int {
	return r.size
}

// Capacity returns the maximum number of items the ring holds.
func (r *Ring[T]) Capacity() int {
	return len(r.items)
}

// Evicted returns the number of items evicted by Enqueue or Push.
func (r *Ring[T]) Evicted() uint64 {
	return r.evicted
}

// Snapshot returns a copy of the items from oldest to newest.
func (r *Ring[T]) Snapshot() []T {
	out := make([]T, r.size)
	for i := range r.size {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}

	return out
}

// Each calls fn for every item from oldest to newest until fn returns false.
func (r *Ring[T]) Each(fn func(T) bool) {
	for i := range r.size {
		if !fn(r.items[(r.head+i)%len(r.items)]) {
			return
		}
	}
}
