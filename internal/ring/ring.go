// Package ring provides a fixed-capacity FIFO ring that evicts its oldest
// entry on overflow. It is not safe for concurrent use; owners guard it.
package ring

// Ring keeps the most recent Cap() items in insertion order.
type Ring[T any] struct {
	items []T
	head  int // next write position
	size  int
}

// New returns an empty ring. Capacities below one are raised to one.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, overwriting the oldest item when full. It reports whether
// the write cursor wrapped back to the start of the backing slice.
func (r *Ring[T]) Push(v T) bool {
	r.items[r.head] = v
	r.head = (r.head + 1) % len(r.items)
	if r.size < len(r.items) {
		r.size++
	}
	return r.head == 0
}

// Len returns the number of stored items.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.items) }

// Items copies the contents out, oldest first.
func (r *Ring[T]) Items() []T {
	return r.Last(r.size)
}

// Last copies out up to n of the most recent items, oldest first.
func (r *Ring[T]) Last(n int) []T {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]T, n)
	start := (r.head - n + len(r.items)) % len(r.items)
	for i := 0; i < n; i++ {
		out[i] = r.items[(start+i)%len(r.items)]
	}
	return out
}

// Backward visits items newest first until fn returns false.
func (r *Ring[T]) Backward(fn func(T) bool) {
	for i := 1; i <= r.size; i++ {
		idx := (r.head - i + len(r.items)) % len(r.items)
		if !fn(r.items[idx]) {
			return
		}
	}
}

// Resize rebuilds the ring at a new capacity, keeping the most recent items
// that fit. Insertion order is preserved.
func (r *Ring[T]) Resize(capacity int) {
	if capacity <= 0 {
		capacity = 1
	}
	if capacity == len(r.items) {
		return
	}
	kept := r.Last(min(capacity, r.size))
	r.items = make([]T, capacity)
	r.head = 0
	r.size = 0
	for _, v := range kept {
		r.Push(v)
	}
}
