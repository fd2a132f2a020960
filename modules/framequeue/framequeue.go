// Package framequeue implements the bounded hand-off between the capture
// goroutine and the analysis goroutine.
//
// Philosophy: "Drop frames, never block the camera."
//
// Design:
//   - Non-blocking Enqueue (drop-on-full, producer never stalls)
//   - Blocking Dequeue with sync.Cond (efficient waiting, no polling)
//   - Close wakes a blocked Dequeue with a closed-signal
//   - Single producer, single consumer
package framequeue

import (
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the queue depth used by the session controller.
//
// Rationale:
//   - 5 frames @ 40fps = 125ms of slack for the analyzer
//   - Deeper queues only add latency to PERCLOS (stale frames analyzed late)
const DefaultCapacity = 5

// Queue is a fixed-capacity FIFO of frames.
//
// Thread-safety:
//   - All fields protected by mu (counters are atomic for lock-free Stats)
//   - Enqueue: called by the capture goroutine only
//   - Dequeue: called by the consumer goroutine only
//   - Close/Stats: safe from any goroutine
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames []*Frame // FIFO, len(frames) <= capacity
	cap    int
	closed bool

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	dequeued atomic.Uint64
}

// Stats is a snapshot of queue counters.
type Stats struct {
	// Capacity is the fixed queue depth.
	Capacity int

	// Depth is the number of frames currently buffered.
	Depth int

	// Enqueued counts frames accepted by Enqueue.
	Enqueued uint64

	// Dropped counts frames rejected because the queue was full or closed.
	Dropped uint64

	// Dequeued counts frames handed to the consumer.
	Dequeued uint64

	// Closed reports whether Close has been called.
	Closed bool
}

// New creates a queue holding at most capacity frames.
// A capacity below 1 falls back to DefaultCapacity.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		frames: make([]*Frame, 0, capacity),
		cap:    capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a frame without blocking.
//
// Semantics:
//   - Queue has room: frame stored, consumer woken, returns true
//   - Queue full: frame dropped, Dropped incremented, returns false
//   - Queue closed: frame dropped, returns false
//
// Contract: frame MUST NOT be nil.
func (q *Queue) Enqueue(frame *Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.frames) >= q.cap {
		q.dropped.Add(1)
		return false
	}

	q.frames = append(q.frames, frame)
	q.enqueued.Add(1)

	// Wake consumer if blocked in Wait()
	q.cond.Signal()
	return true
}

// Dequeue removes the oldest frame, blocking until one is available.
//
// Returns (nil, false) once the queue is closed, even if frames are still
// buffered: a closed queue belongs to a finished session mode and its frames
// must not leak into the next one.
func (q *Queue) Dequeue() (*Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.frames) == 0 && !q.closed {
		q.cond.Wait()
	}

	if q.closed {
		return nil, false
	}

	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	q.dequeued.Add(1)

	return frame, true
}

// Close marks the queue closed and wakes a blocked Dequeue.
// Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.frames = nil
	q.cond.Broadcast()
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	depth := len(q.frames)
	closed := q.closed
	q.mu.Unlock()

	return Stats{
		Capacity: q.cap,
		Depth:    depth,
		Enqueued: q.enqueued.Load(),
		Dropped:  q.dropped.Load(),
		Dequeued: q.dequeued.Load(),
		Closed:   closed,
	}
}

// DropRate returns dropped / (enqueued + dropped), 0 when nothing was offered.
func (s Stats) DropRate() float64 {
	total := s.Enqueued + s.Dropped
	if total == 0 {
		return 0
	}
	return float64(s.Dropped) / float64(total)
}
