package fatigue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-fatigue/modules/framequeue"
)

// Observer receives every analyzed frame together with its record.
// Called synchronously from the analyzer goroutine: it must not block.
type Observer interface {
	Observe(frame *framequeue.Frame, rec Record)
}

// RecordWriter persists records. A write error is logged and counted, the
// record is not retried.
type RecordWriter interface {
	WriteFrame(rec Record) error
}

// Stats is a snapshot of analyzer counters.
type Stats struct {
	Processed     uint64
	Faceless      uint64
	ExtractErrors uint64
	WriteErrors   uint64
}

// Analyzer is the per-frame orchestrator of a recording.
//
// A fresh Analyzer is created for every trial: detector and windows carry no
// state across trials.
//
// Thread-safety:
//   - Process/Run: one goroutine
//   - Stop, Stats, Latest, Tally: any goroutine
type Analyzer struct {
	cfg       CaptureConfig
	extractor Extractor
	rate      FrameRate
	now       func() time.Time
	observer  Observer
	writer    RecordWriter

	blink   *BlinkDetector
	perclos *Window
	blinks  *Window

	mu        sync.Mutex
	tally     Tally
	latest    Record
	hasLatest bool

	processed     atomic.Uint64
	faceless      atomic.Uint64
	extractErrors atomic.Uint64
	writeErrors   atomic.Uint64
	stopped       atomic.Bool
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithObserver forwards every frame and record to o.
func WithObserver(o Observer) Option {
	return func(a *Analyzer) { a.observer = o }
}

// WithRecordWriter persists every record to w.
func WithRecordWriter(w RecordWriter) Option {
	return func(a *Analyzer) { a.writer = w }
}

// WithClock replaces time.Now for rate measurement and blink timing.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// WithFrameRate replaces the instantaneous rate used for window sizing.
func WithFrameRate(r FrameRate) Option {
	return func(a *Analyzer) { a.rate = r }
}

// NewAnalyzer creates an analyzer with an empty detector and empty windows.
func NewAnalyzer(cfg CaptureConfig, extractor Extractor, opts ...Option) *Analyzer {
	a := &Analyzer{
		cfg:       cfg,
		extractor: extractor,
		rate:      NewInstantRate(float64(cfg.TargetFPS)),
		now:       time.Now,
		blink:     NewBlinkDetector(cfg.BlinkClosedThreshold),
		perclos:   NewWindow(cfg.PerclosWindowSec),
		blinks:    NewWindow(cfg.BlinkWindowSec),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run consumes q until the queue is closed or Stop is called.
// The caller closes the queue to unblock a pending Dequeue.
func (a *Analyzer) Run(ctx context.Context, q *framequeue.Queue) {
	slog.Debug("fatigue: analyzer started")
	defer slog.Debug("fatigue: analyzer stopped", "processed", a.processed.Load())

	for !a.stopped.Load() {
		frame, ok := q.Dequeue()
		if !ok {
			return
		}
		if a.stopped.Load() {
			return
		}
		a.Process(ctx, frame)
	}
}

// Stop makes Run return after the frame in progress.
func (a *Analyzer) Stop() {
	a.stopped.Store(true)
}

// Process analyzes one frame, forwards it and returns its record.
func (a *Analyzer) Process(ctx context.Context, frame *framequeue.Frame) Record {
	now := a.now()
	fps := a.rate.Tick(now)

	var rec Record
	reading, err := a.extractor.Analyze(ctx, frame)
	switch {
	case err != nil:
		a.extractErrors.Add(1)
		slog.Warn("fatigue: extraction failed, emitting empty record",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
		)
		rec = sentinelRecord(frame, 0, fps)

	case reading.FaceCount != 1:
		a.faceless.Add(1)
		rec = sentinelRecord(frame, reading.FaceCount, fps)

	default:
		rec = a.analyze(frame, reading, now, fps)
	}

	a.processed.Add(1)

	a.mu.Lock()
	a.tally.Add(rec)
	a.latest = rec
	a.hasLatest = true
	a.mu.Unlock()

	if a.observer != nil {
		a.observer.Observe(frame, rec)
	}

	if a.writer != nil {
		if err := a.writer.WriteFrame(rec); err != nil {
			a.writeErrors.Add(1)
			slog.Error("fatigue: record write failed",
				"seq", rec.Seq,
				"trace_id", rec.TraceID,
				"error", err,
			)
		}
	}

	slog.Debug("fatigue: frame analyzed",
		"seq", rec.Seq,
		"face", rec.FaceDetected,
		"perclos", rec.Perclos,
		"fps", fps,
	)

	return rec
}

func (a *Analyzer) analyze(frame *framequeue.Frame, r EyeReading, now time.Time, fps float64) Record {
	isBlink, lastBlink := a.blink.Update(r.LeftOpening, r.RightOpening, now)

	// PERCLOS: closed when either eye is under the threshold
	closed := r.LeftOpening < a.cfg.PerclosClosedThreshold || r.RightOpening < a.cfg.PerclosClosedThreshold
	a.perclos.PushBool(closed, fps)
	perclos := 100 * a.perclos.Ratio()

	a.blinks.PushBool(isBlink, fps)
	inWindow := int(a.blinks.Sum())
	blinkRate := float64(inWindow) / (a.cfg.BlinkWindowSec / 60)

	band := AlertnessUnavailable
	if a.perclos.Ready() {
		band = Classify(perclos, a.cfg.PerclosLow, a.cfg.PerclosHigh)
	}

	return Record{
		Timestamp:         frame.Timestamp,
		Seq:               frame.Seq,
		TraceID:           frame.TraceID,
		LeftOpening:       r.LeftOpening,
		RightOpening:      r.RightOpening,
		Perclos:           perclos,
		PerclosReady:      a.perclos.Ready(),
		IsBlink:           isBlink,
		LastBlinkDuration: lastBlink,
		BlinkRate:         blinkRate,
		BlinkRateReady:    a.blinks.Ready(),
		BlinksInWindow:    inWindow,
		FaceDetected:      true,
		FaceCount:         1,
		Alertness:         band,
		FPS:               fps,
		LeftLandmarks:     r.LeftLandmarks,
		RightLandmarks:    r.RightLandmarks,
	}
}

// Stats returns a snapshot of the counters.
func (a *Analyzer) Stats() Stats {
	return Stats{
		Processed:     a.processed.Load(),
		Faceless:      a.faceless.Load(),
		ExtractErrors: a.extractErrors.Load(),
		WriteErrors:   a.writeErrors.Load(),
	}
}

// Latest returns the most recent record, if any.
func (a *Analyzer) Latest() (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest, a.hasLatest
}

// Tally returns a copy of the trial aggregates.
func (a *Analyzer) Tally() Tally {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tally
}

// WindowLens returns the current PERCLOS and blink window lengths.
// Only meaningful from the analyzer goroutine or after Run returned.
func (a *Analyzer) WindowLens() (perclos, blinks int) {
	return a.perclos.Len(), a.blinks.Len()
}
