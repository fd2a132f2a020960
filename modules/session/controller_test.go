package session

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-fatigue/internal/retry"
	"github.com/e7canasta/orion-fatigue/modules/fatigue"
	"github.com/e7canasta/orion-fatigue/modules/framequeue"
	"github.com/e7canasta/orion-fatigue/modules/framesource"
	"github.com/e7canasta/orion-fatigue/modules/previewbus"
	"github.com/e7canasta/orion-fatigue/modules/report"
)

// memSink keeps everything in memory.
type memSink struct {
	mu        sync.Mutex
	trials    []report.Trial
	frames    map[string][]fatigue.Record
	summaries []report.Summary
	current   string
	closed    bool
	beginErr  error
}

func newMemSink() *memSink {
	return &memSink{frames: make(map[string][]fatigue.Record)}
}

func (s *memSink) Begin(t report.Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beginErr != nil {
		return s.beginErr
	}
	s.trials = append(s.trials, t)
	s.current = t.TrialID
	return nil
}

func (s *memSink) WriteFrame(rec fatigue.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		return report.ErrNoTrial
	}
	s.frames[s.current] = append(s.frames[s.current], rec)
	return nil
}

func (s *memSink) WriteSummary(sum report.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, sum)
	s.current = ""
	return nil
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSink) frameCount(trialID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames[trialID])
}

func (s *memSink) records(trialID string) []fatigue.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fatigue.Record(nil), s.frames[trialID]...)
}

// openingExtractor reports one face with both eyes at the current opening.
type openingExtractor struct {
	opening atomic.Value // float64
}

func newOpeningExtractor(v float64) *openingExtractor {
	e := &openingExtractor{}
	e.opening.Store(v)
	return e
}

func (e *openingExtractor) Analyze(ctx context.Context, frame *framequeue.Frame) (fatigue.EyeReading, error) {
	v := e.opening.Load().(float64)
	return fatigue.EyeReading{FaceCount: 1, LeftOpening: v, RightOpening: v}, nil
}

func testConfig(t *testing.T) Config {
	capture := fatigue.DefaultCaptureConfig()
	capture.TargetFPS = 100
	capture.PerclosWindowSec = 1
	capture.BlinkWindowSec = 1
	return Config{
		Participant: "42",
		ReportDir:   t.TempDir(),
		Capture:     capture,
		OpenPolicy:  retry.Policy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestControllerLifecycle(t *testing.T) {
	cam := framesource.NewSyntheticCamera(32, 24)
	sink := newMemSink()
	bus := previewbus.New()
	defer bus.Close()

	views := make(chan previewbus.View, 1000)
	bus.Subscribe("test", views)

	c, err := New(testConfig(t), cam, newOpeningExtractor(0.8), sink, WithBus(bus))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := c.Start("rested"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Start in Idle = %v, want ErrInvalidState", err)
	}

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if c.State() != Preview {
		t.Fatalf("state after Open = %s", c.State())
	}
	if err := c.Open(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Open = %v, want ErrInvalidState", err)
	}

	t.Run("preview publishes raw frames", func(t *testing.T) {
		select {
		case v := <-views:
			if v.Frame == nil || v.Record != nil {
				t.Errorf("preview view = %+v", v)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no preview frame")
		}
	})

	if _, err := c.End(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("End in Preview = %v, want ErrInvalidState", err)
	}
	if err := c.Start("  "); !errors.Is(err, ErrMissingConfig) {
		t.Errorf("Start with blank condition = %v, want ErrMissingConfig", err)
	}

	if err := c.Start("rested"); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	snap := c.Snapshot()
	if snap.State != Recording || snap.Condition != "rested" || snap.TrialID == "" || snap.SessionID == "" {
		t.Errorf("snapshot while recording = %+v", snap)
	}
	trialID := snap.TrialID

	waitFor(t, "recorded frames", func() bool { return sink.frameCount(trialID) >= 20 })

	sum, err := c.End()
	if err != nil {
		t.Fatalf("End() failed: %v", err)
	}
	if c.State() != Preview {
		t.Errorf("state after End = %s", c.State())
	}

	written := sink.frameCount(trialID)
	if sum.Rows != written || sum.FaceRows != written {
		t.Errorf("summary rows = %d/%d, sink has %d", sum.Rows, sum.FaceRows, written)
	}
	if math.Abs(sum.MeanLeftOpening-0.8) > 1e-9 || sum.MeanPerclos != 0 || sum.Blinks != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Duration <= 0 || sum.Capture.Frames == 0 {
		t.Errorf("duration %v, capture %+v", sum.Duration, sum.Capture)
	}
	if len(sink.summaries) != 1 || sink.summaries[0].TrialID != trialID {
		t.Errorf("sink summaries = %+v", sink.summaries)
	}
	if snap := c.Snapshot(); snap.LastSummary == nil || snap.Elapsed != 0 {
		t.Errorf("snapshot after End = %+v", snap)
	}
	t.Logf("trial: %d rows, capture %.1f fps", sum.Rows, sum.Capture.FPSMean)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if c.State() != Closed || !sink.closed {
		t.Errorf("state %s, sink closed %v", c.State(), sink.closed)
	}
	if err := c.Start("again"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Start after Close = %v, want ErrInvalidState", err)
	}
}

// TestTrialsStartFresh validates no window sample or blink state crosses a
// Start/End boundary.
func TestTrialsStartFresh(t *testing.T) {
	cam := framesource.NewSyntheticCamera(16, 16)
	sink := newMemSink()
	ext := newOpeningExtractor(0.05)

	c, err := New(testConfig(t), cam, ext, sink)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer c.Close()

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	// Trial 1: eyes closed throughout
	if err := c.Start("closed"); err != nil {
		t.Fatalf("Start(closed) failed: %v", err)
	}
	first := c.Snapshot().TrialID
	waitFor(t, "trial 1 frames", func() bool { return sink.frameCount(first) >= 10 })
	sum1, err := c.End()
	if err != nil {
		t.Fatalf("End() failed: %v", err)
	}
	if sum1.MeanPerclos != 100 {
		t.Errorf("trial 1 mean perclos = %v, want 100", sum1.MeanPerclos)
	}

	// Trial 2: eyes open
	ext.opening.Store(0.9)
	if err := c.Start("open"); err != nil {
		t.Fatalf("Start(open) failed: %v", err)
	}
	second := c.Snapshot().TrialID
	waitFor(t, "trial 2 frames", func() bool { return sink.frameCount(second) >= 1 })

	rec := sink.records(second)[0]
	if rec.Perclos != 0 {
		t.Errorf("first record perclos = %v, carried closed samples over", rec.Perclos)
	}
	if rec.IsBlink || rec.LastBlinkDuration != 0 {
		t.Errorf("first record blink = %v/%v, carried detector state over", rec.IsBlink, rec.LastBlinkDuration)
	}
	if rec.PerclosReady || rec.BlinksInWindow != 0 {
		t.Errorf("first record windows = ready %v / blinks %d", rec.PerclosReady, rec.BlinksInWindow)
	}

	sum2, err := c.End()
	if err != nil {
		t.Fatalf("End() failed: %v", err)
	}
	if sum2.MeanPerclos != 0 || sum2.Rows != sink.frameCount(second) {
		t.Errorf("trial 2 summary = %+v", sum2)
	}
}

func TestOpenRetriesCamera(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		cam := framesource.NewSyntheticCamera(8, 8)
		cam.FailOpens = 2
		c, _ := New(testConfig(t), cam, newOpeningExtractor(0.8), nil)
		defer c.Close()

		if err := c.Open(context.Background()); err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		if cam.Opens() != 3 {
			t.Errorf("opens = %d, want 3", cam.Opens())
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		cam := framesource.NewSyntheticCamera(8, 8)
		cam.FailOpens = 100
		cfg := testConfig(t)
		cfg.EventLog = true
		c, _ := New(cfg, cam, newOpeningExtractor(0.8), nil)

		err := c.Open(context.Background())
		if !errors.Is(err, retry.ErrExhausted) {
			t.Fatalf("Open() = %v, want ErrExhausted", err)
		}
		if c.State() != Idle {
			t.Errorf("state after failed Open = %s", c.State())
		}
		if cam.Opens() != cfg.OpenPolicy.MaxRetries+1 {
			t.Errorf("opens = %d", cam.Opens())
		}

		logs, _ := filepath.Glob(filepath.Join(cfg.ReportDir, "diagnosis", "P42_*", "logs.csv"))
		if len(logs) != 1 {
			t.Fatalf("event logs = %v", logs)
		}
		data, _ := os.ReadFile(logs[0])
		if want := "failure,camera"; !strings.Contains(string(data), want) {
			t.Errorf("logs.csv = %q, want a %q line", data, want)
		}
	})
}

func TestOpenRequiresConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Participant = ""
	c, _ := New(cfg, framesource.NewSyntheticCamera(8, 8), newOpeningExtractor(0.8), nil)
	if err := c.Open(context.Background()); !errors.Is(err, ErrMissingConfig) {
		t.Errorf("Open without participant = %v, want ErrMissingConfig", err)
	}

	cfg = testConfig(t)
	cfg.Capture.PerclosLow = 50
	c, _ = New(cfg, framesource.NewSyntheticCamera(8, 8), newOpeningExtractor(0.8), nil)
	if err := c.Open(context.Background()); !errors.Is(err, fatigue.ErrInvalidConfig) {
		t.Errorf("Open with bad bands = %v, want ErrInvalidConfig", err)
	}

	if _, err := New(cfg, nil, newOpeningExtractor(0.8), nil); !errors.Is(err, ErrMissingConfig) {
		t.Errorf("New without camera = %v", err)
	}
}

func TestStartSinkFailureStaysInPreview(t *testing.T) {
	sink := newMemSink()
	sink.beginErr = errors.New("disk full")
	c, _ := New(testConfig(t), framesource.NewSyntheticCamera(8, 8), newOpeningExtractor(0.8), sink)
	defer c.Close()

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := c.Start("x"); err == nil {
		t.Fatal("Start succeeded with a failing sink")
	}
	if c.State() != Preview {
		t.Errorf("state = %s, want preview", c.State())
	}
	if c.Snapshot().SinkErrors != 1 {
		t.Errorf("sink errors = %d", c.Snapshot().SinkErrors)
	}
	waitFor(t, "preview frames", func() bool { return c.Snapshot().Source.FramesRead > 0 })
}

// TestStartWithOneFailingSink validates a trial records on the healthy
// sinks when one sink of the fan-out refuses it.
func TestStartWithOneFailingSink(t *testing.T) {
	cfg := testConfig(t)
	csvSink := report.NewCSVSink(cfg.ReportDir)
	broken := newMemSink()
	broken.beginErr = errors.New("read-only file system")

	c, _ := New(cfg, framesource.NewSyntheticCamera(8, 8), newOpeningExtractor(0.8), report.Multi(csvSink, broken))
	defer c.Close()

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := c.Start("x"); err != nil {
		t.Fatalf("Start() = %v, want the trial to run on the csv sink", err)
	}
	if c.State() != Recording {
		t.Fatalf("state = %s, want recording", c.State())
	}
	if n := c.Snapshot().SinkErrors; n != 1 {
		t.Errorf("sink errors = %d, want 1", n)
	}

	waitFor(t, "analyzed frames", func() bool { return c.Snapshot().Analyzer.Processed >= 5 })
	sum, err := c.End()
	if err != nil {
		t.Fatalf("End() failed: %v", err)
	}
	if sum.WriteErrors != 0 {
		t.Errorf("write errors = %d, skipped sink was still written", sum.WriteErrors)
	}
	if _, err := os.Stat(filepath.Join(csvSink.Dir(), "summary.csv")); err != nil {
		t.Errorf("csv summary: %v", err)
	}
	if len(broken.summaries) != 0 {
		t.Errorf("refusing sink got %d summaries", len(broken.summaries))
	}
}

// slowExtractor takes a few milliseconds per frame and fails when its
// context is cancelled mid-frame.
type slowExtractor struct{}

func (slowExtractor) Analyze(ctx context.Context, frame *framequeue.Frame) (fatigue.EyeReading, error) {
	time.Sleep(3 * time.Millisecond)
	if err := ctx.Err(); err != nil {
		return fatigue.EyeReading{}, err
	}
	return fatigue.EyeReading{FaceCount: 1, LeftOpening: 0.8, RightOpening: 0.8}, nil
}

// TestEndLetsFrameInProgressFinish validates End waits for the frame being
// analyzed instead of cancelling it into an error row.
func TestEndLetsFrameInProgressFinish(t *testing.T) {
	sink := newMemSink()
	c, _ := New(testConfig(t), framesource.NewSyntheticCamera(8, 8), slowExtractor{}, sink)
	defer c.Close()

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := c.Start("x"); err != nil {
			t.Fatalf("Start(%d) failed: %v", i, err)
		}
		waitFor(t, "analyzed frames", func() bool { return c.Snapshot().Analyzer.Processed >= 3 })

		sum, err := c.End()
		if err != nil {
			t.Fatalf("End(%d) failed: %v", i, err)
		}
		if sum.ExtractErrors != 0 || sum.Rows != sum.FaceRows {
			t.Errorf("trial %d: extract errors %d, rows %d, face rows %d", i, sum.ExtractErrors, sum.Rows, sum.FaceRows)
		}
	}
}

// TestEventsAfterCloseAreDropped validates nothing is written to the event
// log once the session closed it.
func TestEventsAfterCloseAreDropped(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventLog = true
	c, _ := New(cfg, framesource.NewSyntheticCamera(8, 8), newOpeningExtractor(0.8), nil)

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	logs, _ := filepath.Glob(filepath.Join(cfg.ReportDir, "diagnosis", "P42_*", "logs.csv"))
	if len(logs) != 1 {
		t.Fatalf("event logs = %v", logs)
	}
	before, _ := os.ReadFile(logs[0])

	// A camera failure reported late, as watchSource would
	c.event("failure", "camera")

	after, _ := os.ReadFile(logs[0])
	if string(after) != string(before) {
		t.Errorf("event written after close:\n%s", after)
	}
	c.emu.Lock()
	defer c.emu.Unlock()
	if c.events != nil {
		t.Error("event log still attached after Close")
	}
}

func TestCloseWhileRecordingWritesSummary(t *testing.T) {
	sink := newMemSink()
	c, _ := New(testConfig(t), framesource.NewSyntheticCamera(8, 8), newOpeningExtractor(0.8), sink)

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := c.Start("x"); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if len(sink.summaries) != 1 {
		t.Errorf("summaries = %d, want 1", len(sink.summaries))
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{Idle: "idle", Preview: "preview", Recording: "recording", Closed: "closed", State(9): "state(9)"}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
