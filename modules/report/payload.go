package report

import (
	"math"
	"time"

	"github.com/e7canasta/orion-fatigue/modules/fatigue"
)

// FramePayload is the JSON form of a Record. Analysis fields are null for
// rows without exactly one face.
type FramePayload struct {
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
	TraceID   string    `json:"trace_id,omitempty"`

	LeftOpening       *float64 `json:"left_eye_opening"`
	RightOpening      *float64 `json:"right_eye_opening"`
	Perclos           *float64 `json:"perclos"`
	PerclosReady      *bool    `json:"perclos_ready"`
	IsBlink           *bool    `json:"is_blink"`
	LastBlinkDuration *float64 `json:"last_blink_duration"`
	BlinkRate         *float64 `json:"blink_rate"`
	BlinksInWindow    *int     `json:"blinks_in_window"`

	FaceDetected bool              `json:"one_face_detected"`
	FaceCount    int               `json:"face_count"`
	Alertness    fatigue.Alertness `json:"alertness"`
	FPS          float64           `json:"fps"`

	LeftLandmarks  []fatigue.Point `json:"left_eye_landmarks,omitempty"`
	RightLandmarks []fatigue.Point `json:"right_eye_landmarks,omitempty"`
}

// NewFramePayload converts rec, mapping NaN to null.
func NewFramePayload(rec fatigue.Record) FramePayload {
	p := FramePayload{
		Timestamp:         rec.Timestamp,
		Seq:               rec.Seq,
		TraceID:           rec.TraceID,
		LeftOpening:       number(rec.LeftOpening),
		RightOpening:      number(rec.RightOpening),
		Perclos:           number(rec.Perclos),
		LastBlinkDuration: number(rec.BlinkSeconds()),
		BlinkRate:         number(rec.BlinkRate),
		FaceDetected:      rec.FaceDetected,
		FaceCount:         rec.FaceCount,
		Alertness:         rec.Alertness,
		FPS:               rec.FPS,
		LeftLandmarks:     rec.LeftLandmarks,
		RightLandmarks:    rec.RightLandmarks,
	}
	if rec.FaceDetected {
		ready, blink, n := rec.PerclosReady, rec.IsBlink, rec.BlinksInWindow
		p.PerclosReady = &ready
		p.IsBlink = &blink
		p.BlinksInWindow = &n
	}
	return p
}

// SummaryPayload is the JSON form of a Summary.
type SummaryPayload struct {
	SessionID   string    `json:"session_id"`
	TrialID     string    `json:"trial_id"`
	Participant string    `json:"participant_id"`
	Condition   string    `json:"condition"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	DurationSec float64   `json:"trial_duration"`

	Rows     int `json:"rows"`
	FaceRows int `json:"face_rows"`
	Blinks   int `json:"blinks"`

	MeanLeftOpening  *float64 `json:"left_eye_opening"`
	MeanRightOpening *float64 `json:"right_eye_opening"`
	MeanPerclos      *float64 `json:"perclos"`

	CaptureFPS    *float64 `json:"capture_fps_mean"`
	CaptureStable bool     `json:"capture_stable"`

	FramesDropped uint64 `json:"frames_dropped"`
	ExtractErrors uint64 `json:"extract_errors"`
	WriteErrors   uint64 `json:"write_errors"`
}

func NewSummaryPayload(s Summary) SummaryPayload {
	return SummaryPayload{
		SessionID:        s.SessionID,
		TrialID:          s.TrialID,
		Participant:      s.Participant,
		Condition:        s.Condition,
		StartedAt:        s.StartedAt,
		EndedAt:          s.EndedAt,
		DurationSec:      s.Duration.Seconds(),
		Rows:             s.Rows,
		FaceRows:         s.FaceRows,
		Blinks:           s.Blinks,
		MeanLeftOpening:  number(s.MeanLeftOpening),
		MeanRightOpening: number(s.MeanRightOpening),
		MeanPerclos:      number(s.MeanPerclos),
		CaptureFPS:       number(s.Capture.FPSMean),
		CaptureStable:    s.Capture.Stable,
		FramesDropped:    s.FramesDropped,
		ExtractErrors:    s.ExtractErrors,
		WriteErrors:      s.WriteErrors,
	}
}

// TrialPayload is the JSON form of a Trial.
type TrialPayload struct {
	SessionID   string                `json:"session_id"`
	TrialID     string                `json:"trial_id"`
	Participant string                `json:"participant_id"`
	Condition   string                `json:"condition"`
	Camera      string                `json:"camera"`
	StartedAt   time.Time             `json:"started_at"`
	Config      fatigue.CaptureConfig `json:"config"`
}

func NewTrialPayload(t Trial) TrialPayload {
	return TrialPayload{
		SessionID:   t.SessionID,
		TrialID:     t.TrialID,
		Participant: t.Participant,
		Condition:   t.Condition,
		Camera:      t.Camera,
		StartedAt:   t.StartedAt,
		Config:      t.Config,
	}
}

// number returns nil for NaN and infinities, which JSON cannot encode.
func number(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
