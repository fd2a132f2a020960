package fatigue

import (
	"context"
	"math"
	"time"

	"github.com/e7canasta/orion-fatigue/modules/framequeue"
)

// Point is a landmark position in image pixels.
type Point struct {
	X float64 `msgpack:"x" json:"x"`
	Y float64 `msgpack:"y" json:"y"`
}

// EyeReading is what an Extractor reports for one frame.
// Openings and landmarks are meaningful only when FaceCount == 1.
type EyeReading struct {
	FaceCount      int
	LeftOpening    float64
	RightOpening   float64
	LeftLandmarks  []Point
	RightLandmarks []Point
}

// Extractor measures eye opening on a frame.
// It is called from the analyzer goroutine only.
type Extractor interface {
	Analyze(ctx context.Context, frame *framequeue.Frame) (EyeReading, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, frame *framequeue.Frame) (EyeReading, error)

func (f ExtractorFunc) Analyze(ctx context.Context, frame *framequeue.Frame) (EyeReading, error) {
	return f(ctx, frame)
}

// Record is the per-frame analysis output.
//
// When FaceDetected is false every analysis field (openings, perclos,
// blink duration, blink rate) holds NaN, and IsBlink / BlinksInWindow are
// meaningless. Writers must encode those rows with their own "no value"
// marker, never with zero.
type Record struct {
	Timestamp time.Time
	Seq       uint64
	TraceID   string

	LeftOpening  float64
	RightOpening float64

	// Perclos is the percentage of closed-eye samples in the window.
	Perclos      float64
	PerclosReady bool

	IsBlink           bool
	LastBlinkDuration time.Duration

	// BlinkRate is blinks per minute over the blink window.
	BlinkRate      float64
	BlinkRateReady bool
	BlinksInWindow int

	FaceDetected bool
	FaceCount    int
	Alertness    Alertness

	// FPS is the instantaneous rate used to size the windows on this frame.
	FPS float64

	LeftLandmarks  []Point
	RightLandmarks []Point
}

// sentinelRecord is emitted for frames that cannot be analyzed.
func sentinelRecord(frame *framequeue.Frame, faceCount int, fps float64) Record {
	nan := math.NaN()
	return Record{
		Timestamp:         frame.Timestamp,
		Seq:               frame.Seq,
		TraceID:           frame.TraceID,
		LeftOpening:       nan,
		RightOpening:      nan,
		Perclos:           nan,
		LastBlinkDuration: 0,
		BlinkRate:         nan,
		FaceCount:         faceCount,
		Alertness:         AlertnessUnavailable,
		FPS:               fps,
	}
}

// BlinkSeconds returns LastBlinkDuration in seconds, NaN for rows without a face.
func (r Record) BlinkSeconds() float64 {
	if !r.FaceDetected {
		return math.NaN()
	}
	return r.LastBlinkDuration.Seconds()
}
