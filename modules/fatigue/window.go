package fatigue

import "math"

// Window is a sliding window over per-frame samples whose length follows a
// time span and the current frame rate.
//
// Sizing:
//   - target = max(1, round(span * fps)), recomputed on every Push
//   - oldest samples are evicted while len > target
//   - a shrinking rate evicts several samples at once, a growing rate lets
//     the window fill up again (window churn follows the measured rate)
//
// Ready becomes true the first time len reaches target and stays true.
//
// Not safe for concurrent use: a Window belongs to one analyzer goroutine.
type Window struct {
	span    float64
	samples []float64
	sum     float64
	target  int
	ready   bool
}

// NewWindow creates a window spanning spanSeconds.
func NewWindow(spanSeconds float64) *Window {
	return &Window{span: spanSeconds, target: 1}
}

// TargetLen returns the sample count a window of span seconds holds at fps.
func TargetLen(spanSeconds, fps float64) int {
	n := int(math.Round(spanSeconds * fps))
	if n < 1 {
		return 1
	}
	return n
}

// Push appends v, resizes the target from fps and evicts from the front.
func (w *Window) Push(v float64, fps float64) {
	w.target = TargetLen(w.span, fps)

	w.samples = append(w.samples, v)
	w.sum += v

	if len(w.samples) >= w.target {
		w.ready = true
	}

	if excess := len(w.samples) - w.target; excess > 0 {
		for _, old := range w.samples[:excess] {
			w.sum -= old
		}
		w.samples = append(w.samples[:0], w.samples[excess:]...)
	}
}

// PushBool appends 1 for true and 0 for false.
func (w *Window) PushBool(b bool, fps float64) {
	v := 0.0
	if b {
		v = 1
	}
	w.Push(v, fps)
}

// Len returns the number of samples held.
func (w *Window) Len() int { return len(w.samples) }

// Target returns the target length computed on the last Push.
func (w *Window) Target() int { return w.target }

// Ready reports whether the window has been full at least once.
func (w *Window) Ready() bool { return w.ready }

// Sum returns the sum of the held samples.
func (w *Window) Sum() float64 { return w.sum }

// Ratio returns Sum/Len, 0 for an empty window.
func (w *Window) Ratio() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	return w.sum / float64(len(w.samples))
}

// Reset empties the window and clears Ready.
func (w *Window) Reset() {
	w.samples = w.samples[:0]
	w.sum = 0
	w.target = 1
	w.ready = false
}
