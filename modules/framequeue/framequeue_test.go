package framequeue_test

import (
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-fatigue/modules/framequeue"
)

func newFrame(seq uint64) *framequeue.Frame {
	return &framequeue.Frame{Seq: seq, Width: 4, Height: 4, Data: make([]byte, 48), Timestamp: time.Now()}
}

// TestEnqueueDropsWhenFull validates capacity is never exceeded.
//
// Contract:
//   - Enqueue on a full queue returns false and never blocks
//   - Dropped counts every rejected frame
func TestEnqueueDropsWhenFull(t *testing.T) {
	q := framequeue.New(5)

	for i := uint64(1); i <= 5; i++ {
		if !q.Enqueue(newFrame(i)) {
			t.Fatalf("Enqueue(%d) rejected below capacity", i)
		}
	}

	start := time.Now()
	for i := uint64(6); i <= 10; i++ {
		if q.Enqueue(newFrame(i)) {
			t.Errorf("Enqueue(%d) accepted on full queue", i)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Enqueue blocked on full queue: %v", elapsed)
	}

	stats := q.Stats()
	if stats.Depth != 5 || stats.Enqueued != 5 || stats.Dropped != 5 {
		t.Errorf("stats = %+v, want depth=5 enqueued=5 dropped=5", stats)
	}
	if got := stats.DropRate(); got != 0.5 {
		t.Errorf("DropRate() = %v, want 0.5", got)
	}
}

// TestDequeueFIFO validates frames come out in capture order.
func TestDequeueFIFO(t *testing.T) {
	q := framequeue.New(3)
	for i := uint64(1); i <= 3; i++ {
		q.Enqueue(newFrame(i))
	}

	for want := uint64(1); want <= 3; want++ {
		f, ok := q.Dequeue()
		if !ok {
			t.Fatalf("Dequeue() closed unexpectedly")
		}
		if f.Seq != want {
			t.Errorf("Dequeue() seq = %d, want %d", f.Seq, want)
		}
	}
}

// TestCloseWakesBlockedDequeue validates a consumer parked on an empty queue
// observes the closed-signal.
func TestCloseWakesBlockedDequeue(t *testing.T) {
	q := framequeue.New(2)

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()

	// Give the consumer time to park in Wait()
	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Dequeue() returned a frame after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue() still blocked 1s after Close")
	}
}

// TestCloseDiscardsBuffered validates buffered frames do not outlive Close.
func TestCloseDiscardsBuffered(t *testing.T) {
	q := framequeue.New(5)
	q.Enqueue(newFrame(1))
	q.Enqueue(newFrame(2))

	q.Close()
	q.Close() // idempotent

	if f, ok := q.Dequeue(); ok {
		t.Errorf("Dequeue() after Close returned seq=%d", f.Seq)
	}
	if q.Enqueue(newFrame(3)) {
		t.Error("Enqueue() accepted after Close")
	}

	stats := q.Stats()
	if !stats.Closed || stats.Depth != 0 {
		t.Errorf("stats after Close = %+v", stats)
	}
}

// TestProducerConsumer runs one producer and one consumer concurrently and
// checks accounting: every offered frame is either dequeued, dropped or still
// buffered when the queue closes.
func TestProducerConsumer(t *testing.T) {
	q := framequeue.New(framequeue.DefaultCapacity)
	const offered = 2000

	var wg sync.WaitGroup
	var received uint64
	var lastSeq uint64

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			f, ok := q.Dequeue()
			if !ok {
				return
			}
			if f.Seq <= lastSeq {
				t.Errorf("out of order: seq %d after %d", f.Seq, lastSeq)
			}
			lastSeq = f.Seq
			received++
		}
	}()

	for i := uint64(1); i <= offered; i++ {
		q.Enqueue(newFrame(i))
	}

	// Let the consumer drain what is left before closing
	deadline := time.Now().Add(time.Second)
	for q.Stats().Depth > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	q.Close()
	wg.Wait()

	stats := q.Stats()
	if stats.Enqueued+stats.Dropped != offered {
		t.Errorf("enqueued(%d) + dropped(%d) != offered(%d)", stats.Enqueued, stats.Dropped, offered)
	}
	if received != stats.Dequeued {
		t.Errorf("received %d, Dequeued counter %d", received, stats.Dequeued)
	}

	t.Logf("offered=%d enqueued=%d dropped=%d (%.1f%%)", offered, stats.Enqueued, stats.Dropped, stats.DropRate()*100)
}

func TestNewDefaultsCapacity(t *testing.T) {
	if got := framequeue.New(0).Stats().Capacity; got != framequeue.DefaultCapacity {
		t.Errorf("New(0) capacity = %d, want %d", got, framequeue.DefaultCapacity)
	}
}
