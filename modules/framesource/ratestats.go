package framesource

import (
	"math"
	"time"
)

const (
	// rateStabilityThreshold is the maximum fps standard deviation as a
	// fraction of the mean rate. 40 fps mean → stable if stddev < 6 fps.
	rateStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of
	// the expected interval. 40 fps (25ms) → stable if jitter < 5ms.
	jitterStabilityThreshold = 0.20
)

// RateStats describes the capture rate of a run.
type RateStats struct {
	Frames   int
	Duration time.Duration

	// FPSMean is frames / duration.
	FPSMean   float64
	FPSStdDev float64
	FPSMin    float64
	FPSMax    float64

	// Jitter is |interval - 1/FPSMean| in seconds.
	JitterMean   float64
	JitterStdDev float64
	JitterMax    float64

	// Stable: FPSStdDev < 15% of mean and JitterMean < 20% of the expected interval.
	Stable bool
}

// CalculateRateStats derives rate statistics from capture timestamps.
//
// Instantaneous fps is 1/interval for every positive interval between
// consecutive timestamps; zero or negative intervals are skipped for the fps
// distribution but still count as jitter.
func CalculateRateStats(times []time.Time, total time.Duration) RateStats {
	st := RateStats{Frames: len(times), Duration: total}
	if len(times) == 0 || total <= 0 {
		return st
	}

	st.FPSMean = float64(len(times)) / total.Seconds()
	if len(times) < 2 {
		return st
	}

	intervals := make([]float64, 0, len(times)-1)
	instant := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		dt := times[i].Sub(times[i-1]).Seconds()
		intervals = append(intervals, dt)
		if dt > 0 {
			instant = append(instant, 1/dt)
		}
	}
	if len(instant) == 0 {
		return st
	}

	st.FPSMin, st.FPSMax = minMax(instant)
	st.FPSStdDev = deviation(instant, st.FPSMean)

	expected := 1 / st.FPSMean
	jitter := make([]float64, len(intervals))
	for i, dt := range intervals {
		jitter[i] = math.Abs(dt - expected)
	}
	st.JitterMean = mean(jitter)
	st.JitterStdDev = deviation(jitter, st.JitterMean)
	_, st.JitterMax = minMax(jitter)

	st.Stable = st.FPSStdDev < st.FPSMean*rateStabilityThreshold &&
		st.JitterMean < expected*jitterStabilityThreshold
	return st
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// deviation is the root mean square distance of xs from center.
func deviation(xs []float64, center float64) float64 {
	var sq float64
	for _, x := range xs {
		d := x - center
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}

func minMax(xs []float64) (lo, hi float64) {
	lo, hi = xs[0], xs[0]
	for _, x := range xs[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}
