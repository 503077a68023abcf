// Package ringbuf provides the fixed-capacity audio ring that sits between the
// decode worker (push) and the host's real-time pull callback. Writers never
// block: on overflow the oldest unread samples are overwritten. Readers never
// block: on underrun the remainder of the output is filled with silence.
package ringbuf

import (
	"sync"
	"sync/atomic"
)

// Sample is the set of element types the ring can carry.
type Sample interface {
	~int16 | ~int32 | ~float32 | ~float64
}

// Ring is a circular buffer of audio samples guarded by a single mutex.
// Invariant: 0 <= count <= len(buf).
type Ring[T Sample] struct {
	mu    sync.Mutex
	buf   []T
	read  int
	write int
	count int

	overrun  atomic.Int64
	underrun atomic.Int64
}

// New allocates a ring holding capacity samples. A capacity below one is
// raised to one.
func New[T Sample](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Write appends samples. If they do not fit, the oldest unread samples are
// discarded to make room; if samples alone exceed the capacity only the
// newest Cap() of them are kept.
func (r *Ring[T]) Write(samples []T) {
	if len(samples) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	size := len(r.buf)
	if len(samples) > size {
		r.overrun.Add(int64(r.count + len(samples) - size))
		copy(r.buf, samples[len(samples)-size:])
		r.read, r.write, r.count = 0, 0, size
		return
	}

	n := copy(r.buf[r.write:], samples)
	if n < len(samples) {
		copy(r.buf, samples[n:])
	}
	r.write = (r.write + len(samples)) % size

	if over := r.count + len(samples) - size; over > 0 {
		r.read = (r.read + over) % size
		r.count = size
		r.overrun.Add(int64(over))
		return
	}
	r.count += len(samples)
}

// Read fills all of out: buffered samples first in FIFO order, then zeros.
// It returns how many buffered samples were copied.
func (r *Ring[T]) Read(out []T) int {
	if len(out) == 0 {
		return 0
	}

	r.mu.Lock()
	n := len(out)
	if n > r.count {
		n = r.count
	}
	if n > 0 {
		c := copy(out[:n], r.buf[r.read:])
		if c < n {
			copy(out[c:n], r.buf)
		}
		r.read = (r.read + n) % len(r.buf)
		r.count -= n
	}
	r.mu.Unlock()

	if n < len(out) {
		clear(out[n:])
		r.underrun.Add(int64(len(out) - n))
	}
	return n
}

// Len returns the number of unread samples.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Reset discards all unread samples.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	r.read, r.write, r.count = 0, 0, 0
	r.mu.Unlock()
}

// Overruns returns how many unread samples have been overwritten.
func (r *Ring[T]) Overruns() int64 {
	return r.overrun.Load()
}

// Underruns returns how many output samples were zero-filled.
func (r *Ring[T]) Underruns() int64 {
	return r.underrun.Load()
}
