package fatigue

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-fatigue/modules/framequeue"
)

// stepClock advances by a fixed step on every read.
type stepClock struct {
	t    time.Time
	step time.Duration
}

func newStepClock(stepMS int) *stepClock {
	return &stepClock{
		t:    time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		step: time.Duration(stepMS) * time.Millisecond,
	}
}

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

// scriptedExtractor returns one reading per call, cycling the last one.
type scriptedExtractor struct {
	readings []EyeReading
	errs     map[int]error
	calls    int
}

func (s *scriptedExtractor) Analyze(_ context.Context, _ *framequeue.Frame) (EyeReading, error) {
	i := s.calls
	s.calls++
	if err, ok := s.errs[i]; ok {
		return EyeReading{}, err
	}
	if i >= len(s.readings) {
		i = len(s.readings) - 1
	}
	return s.readings[i], nil
}

func face(left, right float64) EyeReading {
	return EyeReading{FaceCount: 1, LeftOpening: left, RightOpening: right}
}

type memWriter struct {
	mu   sync.Mutex
	recs []Record
	err  error
}

func (m *memWriter) WriteFrame(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, rec)
	return nil
}

type countingObserver struct{ n int }

func (o *countingObserver) Observe(*framequeue.Frame, Record) { o.n++ }

func testConfig() CaptureConfig {
	cfg := DefaultCaptureConfig()
	cfg.TargetFPS = 10
	cfg.PerclosWindowSec = 2
	cfg.BlinkWindowSec = 2
	return cfg
}

func frameN(seq uint64) *framequeue.Frame {
	return &framequeue.Frame{Seq: seq, Timestamp: time.Unix(int64(seq), 0)}
}

// TestAnalyzerPerclosAndBlink drives 20 frames at 10fps through a 2s window:
// 5 closed frames then 15 open ones.
func TestAnalyzerPerclosAndBlink(t *testing.T) {
	var readings []EyeReading
	for i := 0; i < 20; i++ {
		if i < 5 {
			readings = append(readings, face(0.1, 0.1))
		} else {
			readings = append(readings, face(0.9, 0.9))
		}
	}

	clock := newStepClock(100)
	writer := &memWriter{}
	obs := &countingObserver{}
	a := NewAnalyzer(testConfig(), &scriptedExtractor{readings: readings},
		WithClock(clock.Now), WithRecordWriter(writer), WithObserver(obs))

	var last Record
	for i := 1; i <= 20; i++ {
		last = a.Process(context.Background(), frameN(uint64(i)))

		if i < 20 && last.PerclosReady {
			t.Fatalf("frame %d: PERCLOS ready before the window filled", i)
		}
		if !last.PerclosReady && last.Alertness != AlertnessUnavailable {
			t.Fatalf("frame %d: band %v while not ready", i, last.Alertness)
		}
		if i == 6 && (!last.IsBlink || last.LastBlinkDuration != 500*time.Millisecond) {
			t.Errorf("frame 6: isBlink=%v duration=%v, want true/500ms", last.IsBlink, last.LastBlinkDuration)
		}
	}

	if !last.PerclosReady {
		t.Fatal("PERCLOS not ready after 20 frames")
	}
	if math.Abs(last.Perclos-25) > 1e-9 {
		t.Errorf("perclos = %v, want 25", last.Perclos)
	}
	if last.Alertness != AlertnessAlert {
		t.Errorf("alertness = %v, want alert", last.Alertness)
	}
	if last.BlinksInWindow != 1 {
		t.Errorf("blinks in window = %d, want 1", last.BlinksInWindow)
	}
	if math.Abs(last.BlinkRate-30) > 1e-9 {
		t.Errorf("blink rate = %v/min, want 30", last.BlinkRate)
	}
	if math.Abs(last.FPS-10) > 1e-6 {
		t.Errorf("fps = %v, want 10", last.FPS)
	}

	if len(writer.recs) != 20 || obs.n != 20 {
		t.Errorf("writer got %d records, observer %d, want 20/20", len(writer.recs), obs.n)
	}

	tally := a.Tally()
	if tally.Rows != 20 || tally.FaceRows != 20 || tally.Blinks != 1 {
		t.Errorf("tally = %+v", tally)
	}
	if math.Abs(tally.MeanLeftOpening()-0.7) > 1e-9 {
		t.Errorf("mean left opening = %v, want 0.7", tally.MeanLeftOpening())
	}
}

// TestAnalyzerSentinelRecord validates that a frame without exactly one face
// leaves the windows untouched and carries NaN analysis fields.
func TestAnalyzerSentinelRecord(t *testing.T) {
	ex := &scriptedExtractor{readings: []EyeReading{
		face(0.8, 0.8),
		{FaceCount: 0},
		{FaceCount: 2},
		face(0.8, 0.8),
	}}
	a := NewAnalyzer(testConfig(), ex, WithClock(newStepClock(100).Now))

	a.Process(context.Background(), frameN(1))
	p0, b0 := a.WindowLens()

	for _, seq := range []uint64{2, 3} {
		rec := a.Process(context.Background(), frameN(seq))
		if rec.FaceDetected {
			t.Fatalf("seq %d: FaceDetected=true", seq)
		}
		for name, v := range map[string]float64{
			"left": rec.LeftOpening, "right": rec.RightOpening,
			"perclos": rec.Perclos, "blink_rate": rec.BlinkRate, "blink_s": rec.BlinkSeconds(),
		} {
			if !math.IsNaN(v) {
				t.Errorf("seq %d: %s = %v, want NaN", seq, name, v)
			}
		}
		if rec.Alertness != AlertnessUnavailable {
			t.Errorf("seq %d: alertness = %v", seq, rec.Alertness)
		}
	}

	p1, b1 := a.WindowLens()
	if p1 != p0 || b1 != b0 {
		t.Errorf("windows changed on faceless frames: perclos %d->%d blinks %d->%d", p0, p1, b0, b1)
	}

	a.Process(context.Background(), frameN(4))
	if p2, _ := a.WindowLens(); p2 != p0+1 {
		t.Errorf("window did not grow on face frame: %d", p2)
	}

	st := a.Stats()
	if st.Faceless != 2 || st.Processed != 4 {
		t.Errorf("stats = %+v", st)
	}
	if tally := a.Tally(); tally.Rows != 4 || tally.FaceRows != 2 {
		t.Errorf("tally = %+v", tally)
	}
}

func TestAnalyzerExtractorAndWriterErrors(t *testing.T) {
	ex := &scriptedExtractor{
		readings: []EyeReading{face(0.5, 0.5)},
		errs:     map[int]error{0: errors.New("model crashed")},
	}
	w := &memWriter{err: errors.New("disk full")}
	a := NewAnalyzer(testConfig(), ex, WithRecordWriter(w))

	rec := a.Process(context.Background(), frameN(1))
	if rec.FaceDetected || !math.IsNaN(rec.Perclos) {
		t.Errorf("extractor failure did not produce an empty record: %+v", rec)
	}
	a.Process(context.Background(), frameN(2))

	st := a.Stats()
	if st.ExtractErrors != 1 || st.WriteErrors != 2 || st.Processed != 2 {
		t.Errorf("stats = %+v, want extract=1 write=2 processed=2", st)
	}
}

// TestFreshAnalyzerCarriesNoState validates that a new analyzer starts with
// empty windows: after a fully-closed trial the first record of the next
// trial reflects only its own sample.
func TestFreshAnalyzerCarriesNoState(t *testing.T) {
	cfg := testConfig()
	first := NewAnalyzer(cfg, &scriptedExtractor{readings: []EyeReading{face(0.05, 0.05)}}, WithClock(newStepClock(100).Now))
	for i := 1; i <= 40; i++ {
		first.Process(context.Background(), frameN(uint64(i)))
	}
	if rec, _ := first.Latest(); rec.Perclos != 100 {
		t.Fatalf("closed trial perclos = %v, want 100", rec.Perclos)
	}

	second := NewAnalyzer(cfg, &scriptedExtractor{readings: []EyeReading{face(0.9, 0.9)}}, WithClock(newStepClock(100).Now))
	rec := second.Process(context.Background(), frameN(41))
	if rec.Perclos != 0 || rec.PerclosReady || rec.BlinksInWindow != 0 {
		t.Errorf("first record of new trial = perclos %v ready %v blinks %d", rec.Perclos, rec.PerclosReady, rec.BlinksInWindow)
	}
}

func TestAnalyzerRunStopsOnClose(t *testing.T) {
	q := framequeue.New(5)
	a := NewAnalyzer(testConfig(), &scriptedExtractor{readings: []EyeReading{face(0.9, 0.9)}})

	done := make(chan struct{})
	go func() {
		a.Run(context.Background(), q)
		close(done)
	}()

	for i := uint64(1); i <= 3; i++ {
		q.Enqueue(frameN(i))
	}

	deadline := time.Now().Add(time.Second)
	for a.Stats().Processed < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	a.Stop()
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop+Close")
	}

	if got := a.Stats().Processed; got != 3 {
		t.Errorf("processed = %d, want 3", got)
	}
}
