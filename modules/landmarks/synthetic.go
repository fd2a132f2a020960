package landmarks

import (
	"context"
	"math"

	"github.com/e7canasta/orion-fatigue/modules/fatigue"
	"github.com/e7canasta/orion-fatigue/modules/framequeue"
)

// Synthetic produces a scripted eye signal from the frame sequence number.
// It pairs with the synthetic camera for demos and end-to-end tests.
type Synthetic struct {
	// BlinkEvery closes the eyes for BlinkLength frames every BlinkEvery frames.
	BlinkEvery  int
	BlinkLength int
	// NoFaceEvery reports no face on every Nth frame (0 = never).
	NoFaceEvery int
	// Open is the opening score of open eyes (default 0.8).
	Open float64
}

// DefaultSynthetic blinks for 4 frames every 80 frames (2s at 40fps) and
// loses the face once every 200 frames.
func DefaultSynthetic() Synthetic {
	return Synthetic{BlinkEvery: 80, BlinkLength: 4, NoFaceEvery: 200, Open: 0.8}
}

func (s Synthetic) Analyze(_ context.Context, frame *framequeue.Frame) (fatigue.EyeReading, error) {
	seq := int(frame.Seq)
	if s.NoFaceEvery > 0 && seq%s.NoFaceEvery == 0 {
		return fatigue.EyeReading{FaceCount: 0}, nil
	}

	opening := s.Open
	if opening == 0 {
		opening = 0.8
	}
	if s.BlinkEvery > 0 && seq%s.BlinkEvery < s.BlinkLength {
		opening = 0.1
	}

	w, h := float64(frame.Width), float64(frame.Height)
	return fatigue.EyeReading{
		FaceCount:      1,
		LeftOpening:    opening,
		RightOpening:   opening,
		LeftLandmarks:  eyeContour(0.38*w, 0.42*h, 0.05*w, opening),
		RightLandmarks: eyeContour(0.62*w, 0.42*h, 0.05*w, opening),
	}, nil
}

// eyeContour returns 8 points on an ellipse whose height follows opening.
func eyeContour(cx, cy, radius, opening float64) []fatigue.Point {
	pts := make([]fatigue.Point, 8)
	for i := range pts {
		a := float64(i) * math.Pi / 4
		pts[i] = fatigue.Point{
			X: cx + radius*math.Cos(a),
			Y: cy + radius*opening*0.5*math.Sin(a),
		}
	}
	return pts
}
