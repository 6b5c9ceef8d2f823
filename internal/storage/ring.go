package storage

import "sync"

// Ring is a fixed-capacity buffer that evicts the oldest element on overflow.
// It is safe for concurrent use.
type Ring[T any] struct {
	mu    sync.RWMutex
	buf   []T
	start int
	size  int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

func (r *Ring[T]) Add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	// Full: overwrite the oldest slot.
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// Recent returns up to count of the newest elements, oldest first.
// A non-positive count returns everything.
func (r *Ring[T]) Recent(count int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if count <= 0 || count > r.size {
		count = r.size
	}
	result := make([]T, count)
	offset := r.size - count
	for i := 0; i < count; i++ {
		result[i] = r.buf[(r.start+offset+i)%len(r.buf)]
	}
	return result
}

func (r *Ring[T]) All() []T {
	return r.Recent(0)
}
