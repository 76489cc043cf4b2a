package seismic

// Ring is a fixed-capacity circular buffer. Pushing into a full ring evicts
// the oldest element. It is not safe for concurrent use; the detector and the
// station telemetry each own their rings.
type Ring[T any] struct {
	data     []T
	head     int
	size     int
	capacity int
}

// NewRing creates a ring holding at most capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends an element, evicting the oldest one when full.
func (r *Ring[T]) Push(item T) {
	r.data[r.head] = item
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// At returns the i-th element in insertion order (0 is the oldest).
func (r *Ring[T]) At(i int) T {
	idx := (r.head - r.size + i + r.capacity) % r.capacity
	return r.data[idx]
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int {
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return r.capacity
}

// Recent returns up to n of the newest elements, oldest first.
func (r *Ring[T]) Recent(n int) []T {
	if n > r.size {
		n = r.size
	}
	out := make([]T, n)
	for i := range n {
		out[i] = r.At(r.size - n + i)
	}
	return out
}

// Clear drops every element.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.head = 0
	r.size = 0
}
