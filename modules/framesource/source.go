// Package framesource paces camera reads and feeds a frame queue.
//
// Each cycle reads one frame, offers it to the queue (dropped if full) and
// sleeps for the remainder of the frame interval:
//
//	sleep = max(0, 1/targetFPS - elapsed)
//
// A read failure ends the loop. The source records why it ended and never
// takes the process down with it.
package framesource

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-fatigue/modules/framequeue"
)

// ErrAlreadyRunning is returned by Start on a running source.
var ErrAlreadyRunning = errors.New("framesource: already running")

// maxRateSamples caps the capture timestamps kept for rate statistics
// (about 1h30 at 40fps).
const maxRateSamples = 1 << 18

// Stats is a snapshot of source counters for the current run.
type Stats struct {
	FramesRead uint64
	Enqueued   uint64
	Dropped    uint64
	TargetFPS  int
	// MeasuredFPS is frames read / time since Start.
	MeasuredFPS float64
	Running     bool
	Ended       bool
	EndReason   string
}

// Source drives one camera into one queue at a time.
//
// Lifecycle: Start(q) → ... → Stop() → Start(q2) → ... Each Start resets the
// counters and rate samples. Stop is signal-then-join.
type Source struct {
	cam       Camera
	targetFPS int

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
	started  time.Time
	finished time.Time
	times    []time.Time

	seq        atomic.Uint64
	framesRead atomic.Uint64
	enqueued   atomic.Uint64
	dropped    atomic.Uint64
	ended      atomic.Bool
	endReason  atomic.Value // string
}

// New creates a source reading cam at targetFPS.
func New(cam Camera, targetFPS int) *Source {
	if targetFPS < 1 {
		targetFPS = 1
	}
	return &Source{cam: cam, targetFPS: targetFPS}
}

// Start launches the capture goroutine feeding q.
// The camera must already be open.
func (s *Source) Start(q *framequeue.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.started = time.Now()
	s.finished = time.Time{}
	s.times = s.times[:0]
	s.framesRead.Store(0)
	s.enqueued.Store(0)
	s.dropped.Store(0)
	s.ended.Store(false)
	s.endReason.Store("")

	go s.run(ctx, q, s.done)

	slog.Info("framesource: started",
		"camera", s.cam.Name(),
		"target_fps", s.targetFPS,
	)
	return nil
}

// Stop signals the capture goroutine and waits for it to exit.
// Safe to call when not running.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	slog.Info("framesource: stopped",
		"camera", s.cam.Name(),
		"frames_read", s.framesRead.Load(),
		"dropped", s.dropped.Load(),
	)
}

// Done is closed when the current run ends, by Stop or by a read failure.
// Returns nil before the first Start.
func (s *Source) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Source) run(ctx context.Context, q *framequeue.Queue, done chan struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		s.finished = time.Now()
		s.mu.Unlock()
	}()

	interval := time.Second / time.Duration(s.targetFPS)

	for {
		if ctx.Err() != nil {
			return
		}

		cycleStart := time.Now()

		frame, err := s.cam.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.ended.Store(true)
			s.endReason.Store(err.Error())
			slog.Warn("framesource: camera read failed, stream ended",
				"camera", s.cam.Name(),
				"frames_read", s.framesRead.Load(),
				"error", err,
			)
			return
		}

		s.stamp(frame)
		s.framesRead.Add(1)

		if q.Enqueue(frame) {
			s.enqueued.Add(1)
		} else {
			s.dropped.Add(1)
			slog.Debug("framesource: queue full, frame dropped",
				"seq", frame.Seq,
				"trace_id", frame.TraceID,
			)
		}

		if wait := interval - time.Since(cycleStart); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}
}

// stamp fills the frame metadata owned by the source.
func (s *Source) stamp(frame *framequeue.Frame) {
	frame.Seq = s.seq.Add(1)
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	if frame.TraceID == "" {
		frame.TraceID = uuid.New().String()
	}

	s.mu.Lock()
	if len(s.times) < maxRateSamples {
		s.times = append(s.times, frame.Timestamp)
	}
	s.mu.Unlock()
}

// Stats returns a snapshot of the current run.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	running := s.running
	elapsed := s.elapsedLocked()
	s.mu.Unlock()

	read := s.framesRead.Load()
	var measured float64
	if elapsed > 0 {
		measured = float64(read) / elapsed.Seconds()
	}

	reason, _ := s.endReason.Load().(string)
	return Stats{
		FramesRead:  read,
		Enqueued:    s.enqueued.Load(),
		Dropped:     s.dropped.Load(),
		TargetFPS:   s.targetFPS,
		MeasuredFPS: measured,
		Running:     running && !s.ended.Load(),
		Ended:       s.ended.Load(),
		EndReason:   reason,
	}
}

// RateStats computes capture-rate statistics over the current run.
func (s *Source) RateStats() RateStats {
	s.mu.Lock()
	times := make([]time.Time, len(s.times))
	copy(times, s.times)
	total := s.elapsedLocked()
	s.mu.Unlock()

	return CalculateRateStats(times, total)
}

// elapsedLocked returns the run duration, frozen once the run ended.
func (s *Source) elapsedLocked() time.Duration {
	switch {
	case s.started.IsZero():
		return 0
	case !s.finished.IsZero():
		return s.finished.Sub(s.started)
	default:
		return time.Since(s.started)
	}
}
