package fatigue

import "time"

// FrameRate supplies the frame rate used to size the sliding windows.
// Tick is called once per analyzed frame with the analyzer clock.
type FrameRate interface {
	Tick(now time.Time) float64
}

// InstantRate measures 1/(now - previous tick).
//
// The first tick, or a tick that does not advance the clock, reports the
// fallback rate instead of dividing by zero.
type InstantRate struct {
	fallback float64
	last     time.Time
}

// NewInstantRate returns an InstantRate falling back to fps.
func NewInstantRate(fps float64) *InstantRate {
	return &InstantRate{fallback: fps}
}

func (r *InstantRate) Tick(now time.Time) float64 {
	fps := r.fallback
	if !r.last.IsZero() && now.After(r.last) {
		fps = 1.0 / now.Sub(r.last).Seconds()
	}
	r.last = now
	return fps
}

// FixedRate always reports the same rate. Used where window sizing must not
// follow the measured rate (tests, replay).
type FixedRate float64

func (r FixedRate) Tick(time.Time) float64 {
	return float64(r)
}
