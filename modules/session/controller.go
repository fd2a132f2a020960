// Package session drives the capture pipeline through its lifecycle.
//
// A Controller owns one camera, one frame source and the consumer of the
// current mode:
//
//	Preview:   Camera → Source → Queue → pass-through → preview bus
//	Recording: Camera → Source → Queue → Analyzer → {preview bus, sink}
//
// Every transition stops the running mode, replaces the queue and starts
// the next mode from scratch. Recording always starts with a fresh analyzer,
// so no window sample or blink state survives a Start/End boundary.
//
// Lifecycle commands are serialized; Snapshot never waits for them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-fatigue/internal/retry"
	"github.com/e7canasta/orion-fatigue/modules/fatigue"
	"github.com/e7canasta/orion-fatigue/modules/framequeue"
	"github.com/e7canasta/orion-fatigue/modules/framesource"
	"github.com/e7canasta/orion-fatigue/modules/previewbus"
	"github.com/e7canasta/orion-fatigue/modules/report"
)

// Option configures a Controller.
type Option func(*Controller)

// WithBus publishes preview frames and analyzed views to bus.
func WithBus(bus *previewbus.Bus) Option {
	return func(c *Controller) { c.bus = bus }
}

// WithClock sets the clock used for trial start and end times.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithAnalyzerOptions appends options to every analyzer the controller
// creates.
func WithAnalyzerOptions(opts ...fatigue.Option) Option {
	return func(c *Controller) { c.analyzerOpts = append(c.analyzerOpts, opts...) }
}

// Snapshot is a read-only view of the controller.
type Snapshot struct {
	State       State
	SessionID   string
	TrialID     string
	Participant string
	Condition   string
	Camera      string

	// Elapsed is the trial stopwatch, zero outside Recording.
	Elapsed time.Duration

	Latest      *fatigue.Record
	Queue       framequeue.Stats
	Source      framesource.Stats
	Analyzer    fatigue.Stats
	LastSummary *report.Summary
	SinkErrors  uint64
}

// mode is the running producer/consumer pair.
type mode struct {
	queue    *framequeue.Queue
	cancel   context.CancelFunc
	done     chan struct{}
	analyzer *fatigue.Analyzer
}

// Controller is the session state machine.
type Controller struct {
	cfg          Config
	cam          framesource.Camera
	extractor    fatigue.Extractor
	sink         report.Sink
	bus          *previewbus.Bus
	now          func() time.Time
	analyzerOpts []fatigue.Option

	source *framesource.Source

	// mu serializes lifecycle commands.
	mu   sync.Mutex
	mode *mode

	// emu guards events, which watchSource also writes.
	emu    sync.Mutex
	events *report.EventLog

	// vmu guards the fields read by Snapshot.
	vmu         sync.RWMutex
	state       State
	sessionID   string
	trial       *report.Trial
	queue       *framequeue.Queue
	analyzer    *fatigue.Analyzer
	lastSummary *report.Summary

	sinkErrors atomic.Uint64
}

// New creates an idle controller. sink may be nil when nothing is recorded.
func New(cfg Config, cam framesource.Camera, extractor fatigue.Extractor, sink report.Sink, opts ...Option) (*Controller, error) {
	if cam == nil {
		return nil, fmt.Errorf("%w: camera", ErrMissingConfig)
	}
	if extractor == nil {
		return nil, fmt.Errorf("%w: extractor", ErrMissingConfig)
	}
	if cfg.OpenPolicy == (retry.Policy{}) {
		cfg.OpenPolicy = retry.DefaultPolicy()
	}

	c := &Controller{
		cfg:       cfg,
		cam:       cam,
		extractor: extractor,
		sink:      sink,
		now:       time.Now,
		source:    framesource.New(cam, cfg.Capture.TargetFPS),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.vmu.RLock()
	defer c.vmu.RUnlock()
	return c.state
}

// Open validates the configuration, opens the camera with bounded backoff
// and enters Preview.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st := c.State(); st != Idle {
		return fmt.Errorf("%w: open in %s", ErrInvalidState, st)
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	opened := c.now()
	if c.cfg.EventLog {
		events, err := report.OpenEventLog(c.cfg.ReportDir, c.cfg.Participant, opened)
		if err != nil {
			return err
		}
		c.emu.Lock()
		c.events = events
		c.emu.Unlock()
	}

	if err := framesource.OpenCamera(ctx, c.cam, c.cfg.OpenPolicy); err != nil {
		c.event("failure", "camera")
		c.closeEvents()
		return fmt.Errorf("session: open camera: %w", err)
	}

	sessionID := uuid.NewString()
	c.vmu.Lock()
	c.sessionID = sessionID
	c.vmu.Unlock()

	if err := c.startPreviewLocked(); err != nil {
		c.cam.Close()
		c.closeEvents()
		return err
	}

	c.event("session opened", c.cam.Name())
	slog.Info("session: opened",
		"session_id", sessionID,
		"participant", c.cfg.Participant,
		"camera", c.cam.Name(),
	)
	return nil
}

// Start begins a trial under condition. Valid in Preview only.
func (c *Controller) Start(condition string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st := c.State(); st != Preview {
		return fmt.Errorf("%w: start in %s", ErrInvalidState, st)
	}
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return fmt.Errorf("%w: condition", ErrMissingConfig)
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	c.stopModeLocked()

	c.vmu.RLock()
	sessionID := c.sessionID
	c.vmu.RUnlock()

	trial := report.Trial{
		SessionID:   sessionID,
		TrialID:     uuid.NewString(),
		Participant: c.cfg.Participant,
		Condition:   condition,
		Camera:      c.cam.Name(),
		StartedAt:   c.now(),
		Config:      c.cfg.Capture,
	}

	if c.sink != nil {
		if err := c.sink.Begin(trial); errors.Is(err, report.ErrSinkSkipped) {
			// Part of the fan-out is down; the rest records the trial.
			c.sinkErrors.Add(1)
			c.event("failure", "sink")
			slog.Warn("session: trial recorded without some sinks",
				"trial_id", trial.TrialID,
				"error", err,
			)
		} else if err != nil {
			c.sinkErrors.Add(1)
			c.event("failure", "sink")
			if perr := c.startPreviewLocked(); perr != nil {
				return errors.Join(fmt.Errorf("session: begin trial: %w", err), perr)
			}
			return fmt.Errorf("session: begin trial: %w", err)
		}
	}

	opts := append([]fatigue.Option(nil), c.analyzerOpts...)
	if c.bus != nil {
		opts = append(opts, fatigue.WithObserver(c.bus))
	}
	if c.sink != nil {
		opts = append(opts, fatigue.WithRecordWriter(c.sink))
	}
	analyzer := fatigue.NewAnalyzer(c.cfg.Capture, c.extractor, opts...)

	q := framequeue.New(c.cfg.QueueSize)
	ctx, cancel := context.WithCancel(context.Background())
	m := &mode{queue: q, cancel: cancel, done: make(chan struct{}), analyzer: analyzer}

	go func() {
		defer close(m.done)
		analyzer.Run(ctx, q)
	}()

	if err := c.startSourceLocked(m); err != nil {
		return err
	}

	c.vmu.Lock()
	c.state = Recording
	c.trial = &trial
	c.queue = q
	c.analyzer = analyzer
	c.vmu.Unlock()

	c.event("button pressed", "start")
	slog.Info("session: trial started",
		"session_id", sessionID,
		"trial_id", trial.TrialID,
		"condition", condition,
	)
	return nil
}

// End finishes the running trial, writes its summary and returns to Preview.
func (c *Controller) End() (report.Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st := c.State(); st != Recording {
		return report.Summary{}, fmt.Errorf("%w: end in %s", ErrInvalidState, st)
	}

	sum := c.finishTrialLocked()
	c.event("button pressed", "end")

	if err := c.startPreviewLocked(); err != nil {
		return sum, err
	}
	return sum, nil
}

// Close stops everything and releases the camera. A running trial is
// finished first. Idempotent; Closed is terminal.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.State()
	if st == Closed {
		return nil
	}

	if st == Recording {
		c.finishTrialLocked()
	} else {
		c.stopModeLocked()
	}

	var errs []error
	if c.sink != nil {
		if err := c.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: close sink: %w", err))
		}
	}
	if st != Idle {
		if err := c.cam.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: close camera: %w", err))
		}
	}
	c.event("session closed", c.cam.Name())
	c.closeEvents()

	c.vmu.Lock()
	c.state = Closed
	c.queue = nil
	c.vmu.Unlock()

	slog.Info("session: closed", "previous_state", st.String())
	return errors.Join(errs...)
}

// Snapshot returns the current status without waiting for lifecycle
// commands.
func (c *Controller) Snapshot() Snapshot {
	c.vmu.RLock()
	defer c.vmu.RUnlock()

	s := Snapshot{
		State:       c.state,
		SessionID:   c.sessionID,
		Participant: c.cfg.Participant,
		Camera:      c.cam.Name(),
		Source:      c.source.Stats(),
		LastSummary: c.lastSummary,
		SinkErrors:  c.sinkErrors.Load(),
	}
	if c.queue != nil {
		s.Queue = c.queue.Stats()
	}
	if c.trial != nil {
		s.TrialID = c.trial.TrialID
		s.Condition = c.trial.Condition
		if c.state == Recording {
			s.Elapsed = c.now().Sub(c.trial.StartedAt)
		}
	}
	if c.analyzer != nil {
		s.Analyzer = c.analyzer.Stats()
		if rec, ok := c.analyzer.Latest(); ok {
			s.Latest = &rec
		}
	}
	return s
}

// finishTrialLocked stops recording, builds and writes the summary.
func (c *Controller) finishTrialLocked() report.Summary {
	c.stopModeLocked()
	ended := c.now()

	c.vmu.RLock()
	trial, analyzer := *c.trial, c.analyzer
	c.vmu.RUnlock()

	tally := analyzer.Tally()
	stats := analyzer.Stats()
	src := c.source.Stats()

	sum := report.Summary{
		Trial:            trial,
		EndedAt:          ended,
		Duration:         ended.Sub(trial.StartedAt),
		Rows:             tally.Rows,
		FaceRows:         tally.FaceRows,
		Blinks:           tally.Blinks,
		MeanLeftOpening:  tally.MeanLeftOpening(),
		MeanRightOpening: tally.MeanRightOpening(),
		MeanPerclos:      tally.MeanPerclos(),
		Capture:          c.source.RateStats(),
		FramesDropped:    src.Dropped,
		ExtractErrors:    stats.ExtractErrors,
		WriteErrors:      stats.WriteErrors,
	}

	if c.sink != nil {
		if err := c.sink.WriteSummary(sum); err != nil {
			c.sinkErrors.Add(1)
			c.event("failure", "sink")
			slog.Error("session: write summary failed", "trial_id", trial.TrialID, "error", err)
		}
	}

	c.vmu.Lock()
	c.lastSummary = &sum
	c.vmu.Unlock()

	slog.Info("session: trial ended",
		"trial_id", trial.TrialID,
		"duration", sum.Duration,
		"rows", sum.Rows,
		"face_rows", sum.FaceRows,
		"blinks", sum.Blinks,
		"capture_fps", sum.Capture.FPSMean,
	)
	return sum
}

// startPreviewLocked runs the source into a pass-through consumer.
func (c *Controller) startPreviewLocked() error {
	q := framequeue.New(c.cfg.QueueSize)
	ctx, cancel := context.WithCancel(context.Background())
	m := &mode{queue: q, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(m.done)
		for ctx.Err() == nil {
			frame, ok := q.Dequeue()
			if !ok {
				return
			}
			if c.bus != nil {
				c.bus.PublishFrame(frame)
			}
		}
	}()

	if err := c.startSourceLocked(m); err != nil {
		return err
	}

	c.vmu.Lock()
	c.state = Preview
	c.queue = q
	c.vmu.Unlock()
	return nil
}

// startSourceLocked starts the source feeding m and installs m as the
// running mode. On failure m is torn down.
func (c *Controller) startSourceLocked(m *mode) error {
	if err := c.source.Start(m.queue); err != nil {
		m.queue.Close()
		<-m.done
		m.cancel()
		return fmt.Errorf("session: start source: %w", err)
	}
	c.mode = m

	done := c.source.Done()
	go c.watchSource(done)
	return nil
}

// watchSource records an acquisition failure of the current run.
func (c *Controller) watchSource(done <-chan struct{}) {
	<-done
	if st := c.source.Stats(); st.Ended {
		c.event("failure", "camera")
		slog.Warn("session: camera stream ended", "reason", st.EndReason)
	}
}

// stopModeLocked stops the producer, then unblocks and joins the consumer.
func (c *Controller) stopModeLocked() {
	m := c.mode
	if m == nil {
		return
	}
	c.source.Stop()
	if m.analyzer != nil {
		m.analyzer.Stop()
	}
	// The frame in progress finishes under a live context so it lands as
	// a real row; the extractor bounds its own latency.
	m.queue.Close()
	<-m.done
	m.cancel()
	c.mode = nil
}

func (c *Controller) event(event, element string) {
	c.emu.Lock()
	defer c.emu.Unlock()

	if c.events == nil {
		return
	}
	if err := c.events.Log(event, element); err != nil {
		slog.Warn("session: event log write failed", "event", event, "error", err)
	}
}

// closeEvents closes the event log. Later events are dropped.
func (c *Controller) closeEvents() {
	c.emu.Lock()
	defer c.emu.Unlock()

	if c.events == nil {
		return
	}
	if err := c.events.Close(); err != nil {
		slog.Warn("session: event log close failed", "error", err)
	}
	c.events = nil
}
