package audio

import "sync"

// RingCapacity is the number of levels kept for visualization.
const RingCapacity = 50

// Ring is a fixed-capacity FIFO of normalized levels that evicts the oldest entry on overflow.
// It is safe for concurrent use.
type Ring struct {
	mu    sync.Mutex
	buf   []float64
	start int
	size  int
}

// NewRing creates a ring holding at most capacity values.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = RingCapacity
	}
	return &Ring{buf: make([]float64, capacity)}
}

// Push appends v, evicting the oldest value when full.
func (r *Ring) Push(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	end := (r.start + r.size) % len(r.buf)
	r.buf[end] = v
	if r.size < len(r.buf) {
		r.size++
		return
	}
	r.start = (r.start + 1) % len(r.buf)
}

// Values returns a copy of the stored values, oldest first.
func (r *Ring) Values() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, r.size)
	for i := range r.size {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of stored values.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Reset empties the ring.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = 0
	r.size = 0
}
