package fatigue

import "math"

// Tally accumulates the per-trial aggregates reported in the summary.
// Means are taken over face-detected rows only.
type Tally struct {
	Rows     int
	FaceRows int
	Blinks   int

	sumLeft    float64
	sumRight   float64
	sumPerclos float64
}

// Add accounts one record.
func (t *Tally) Add(r Record) {
	t.Rows++
	if !r.FaceDetected {
		return
	}
	t.FaceRows++
	t.sumLeft += r.LeftOpening
	t.sumRight += r.RightOpening
	t.sumPerclos += r.Perclos
	if r.IsBlink {
		t.Blinks++
	}
}

func (t Tally) mean(sum float64) float64 {
	if t.FaceRows == 0 {
		return math.NaN()
	}
	return sum / float64(t.FaceRows)
}

// MeanLeftOpening is NaN when no row had a face.
func (t Tally) MeanLeftOpening() float64 { return t.mean(t.sumLeft) }

// MeanRightOpening is NaN when no row had a face.
func (t Tally) MeanRightOpening() float64 { return t.mean(t.sumRight) }

// MeanPerclos is NaN when no row had a face.
func (t Tally) MeanPerclos() float64 { return t.mean(t.sumPerclos) }
