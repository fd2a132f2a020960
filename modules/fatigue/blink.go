package fatigue

import (
	"math"
	"time"
)

// BlinkDetector turns the per-frame eye-opening signal into blink events.
//
// State machine:
//
//	Open --min(left,right) < threshold--> Closed (closedSince = now)
//	Closed --min(left,right) >= threshold--> Open (blink, duration = now - closedSince)
//
// A blink is reported on the reopening frame only.
type BlinkDetector struct {
	threshold   float64
	closed      bool
	closedSince time.Time
	last        time.Duration
}

// NewBlinkDetector creates a detector in the Open state.
func NewBlinkDetector(threshold float64) *BlinkDetector {
	return &BlinkDetector{threshold: threshold}
}

// Update feeds one frame and returns whether a blink completed on it and
// the duration of the most recent completed blink (0 before the first).
func (d *BlinkDetector) Update(left, right float64, now time.Time) (bool, time.Duration) {
	shut := math.Min(left, right) < d.threshold

	switch {
	case !d.closed && shut:
		d.closed = true
		d.closedSince = now
		return false, d.last

	case d.closed && !shut:
		d.closed = false
		d.last = now.Sub(d.closedSince)
		return true, d.last
	}

	return false, d.last
}

// Closed reports whether the eyes are currently considered shut.
func (d *BlinkDetector) Closed() bool { return d.closed }

// LastDuration returns the duration of the most recent completed blink.
func (d *BlinkDetector) LastDuration() time.Duration { return d.last }
