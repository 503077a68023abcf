// Package framequeue implements the bounded video frame queue between the
// decode and render workers. When full, the oldest frame is released to make
// room for the newest, so the renderer always sees the most recent frames.
package framequeue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/avsync/internal/media"
)

// DefaultCapacity is the number of decoded video frames held before the
// queue starts dropping the oldest.
const DefaultCapacity = 15

// Queue is a FIFO of decoded video frames with drop-oldest overflow and a
// level-triggered availability signal.
type Queue struct {
	mu     sync.Mutex
	frames []*media.Frame
	head   int
	size   int

	ready   chan struct{}
	dropped atomic.Int64
	pushed  atomic.Int64
}

// New returns a queue holding up to capacity frames. A non-positive capacity
// selects DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		frames: make([]*media.Frame, capacity),
		ready:  make(chan struct{}, 1),
	}
}

// Push enqueues f. If the queue is at capacity the oldest frame is dequeued
// and released first and the drop counter is incremented.
func (q *Queue) Push(f *media.Frame) {
	if f == nil {
		return
	}

	var evicted *media.Frame
	q.mu.Lock()
	if q.size == len(q.frames) {
		evicted = q.frames[q.head]
		q.frames[q.head] = nil
		q.head = (q.head + 1) % len(q.frames)
		q.size--
	}
	q.frames[(q.head+q.size)%len(q.frames)] = f
	q.size++
	q.mu.Unlock()

	q.pushed.Add(1)
	if evicted != nil {
		q.dropped.Add(1)
		evicted.Release()
	}
	q.signal()
}

// TryPop waits up to timeout for a frame and returns the oldest one. The
// queue lock is held only for the dequeue itself.
func (q *Queue) TryPop(timeout time.Duration) (*media.Frame, bool) {
	if f, ok := q.pop(); ok {
		return f, true
	}
	if timeout <= 0 {
		return nil, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.ready:
		case <-timer.C:
			return q.pop()
		}
		if f, ok := q.pop(); ok {
			return f, true
		}
	}
}

// Ready returns the availability signal. It holds a token whenever the queue
// is non-empty; a receiver that takes the token and then finds frames left
// after its pop gets the token back from pop.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Wake deposits a token on the availability signal without enqueueing,
// so a waiter can observe a stop or seek request.
func (q *Queue) Wake() {
	q.signal()
}

func (q *Queue) pop() (*media.Frame, bool) {
	q.mu.Lock()
	if q.size == 0 {
		q.mu.Unlock()
		return nil, false
	}
	f := q.frames[q.head]
	q.frames[q.head] = nil
	q.head = (q.head + 1) % len(q.frames)
	q.size--
	// The signal is adjusted under the lock so a concurrent Push cannot
	// have its token cleared after it enqueued.
	if q.size > 0 {
		q.signal()
	} else {
		q.clearSignal()
	}
	q.mu.Unlock()
	return f, true
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue) clearSignal() {
	select {
	case <-q.ready:
	default:
	}
}

// Flush releases every queued frame and returns how many were released.
func (q *Queue) Flush() int {
	q.mu.Lock()
	var drained []*media.Frame
	for q.size > 0 {
		drained = append(drained, q.frames[q.head])
		q.frames[q.head] = nil
		q.head = (q.head + 1) % len(q.frames)
		q.size--
	}
	q.head = 0
	q.clearSignal()
	q.mu.Unlock()

	for _, f := range drained {
		f.Release()
	}
	return len(drained)
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.frames)
}

// Full reports whether the next Push would drop a frame.
func (q *Queue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size == len(q.frames)
}

// Dropped returns how many frames were evicted by drop-oldest overflow.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Pushed returns how many frames have been enqueued in total.
func (q *Queue) Pushed() int64 {
	return q.pushed.Load()
}
