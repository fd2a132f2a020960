package report

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/e7canasta/orion-fatigue/modules/fatigue"
)

// FrameColumns is the per-frame row schema shared by every sink.
var FrameColumns = []string{
	"timestamp",
	"left_eye_opening",
	"right_eye_opening",
	"perclos",
	"perclos_ready",
	"is_blink",
	"last_blink_duration",
	"blink_rate",
	"blinks_in_window",
	"one_face_detected",
	"face_count",
	"alertness",
	"fps",
	"left_eye_landmarks",
	"right_eye_landmarks",
	"seq",
	"trace_id",
}

// SummaryColumns is the summary row schema.
var SummaryColumns = []string{
	"participant_id",
	"condition",
	"session_id",
	"trial_id",
	"started_at",
	"ended_at",
	"trial_duration",
	"rows",
	"face_rows",
	"blinks",
	"left_eye_opening",
	"right_eye_opening",
	"perclos",
	"capture_fps_mean",
	"capture_fps_stddev",
	"capture_fps_min",
	"capture_fps_max",
	"capture_jitter_mean",
	"capture_stable",
	"frames_dropped",
	"extract_errors",
	"write_errors",
}

// ConfigColumns is the trial configuration schema.
var ConfigColumns = []string{
	"participant_id",
	"condition",
	"session_id",
	"trial_id",
	"camera",
	"started_at",
	"perclos_high",
	"perclos_mid",
	"perclos_low",
	"perclos_window",
	"perclos_closed_threshold",
	"blink_closed_threshold",
	"blink_window",
	"blink_threshold",
	"intended_fps",
}

const nanText = "NaN"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitize makes s safe as a path component.
func sanitize(s string) string {
	s = unsafeName.ReplaceAllString(strings.TrimSpace(s), "_")
	if s == "" {
		return "unknown"
	}
	return s
}

// TrialDirName is the directory holding one trial's files:
// P{participant}_webcam_eye_tracking_{condition}_{YYYY-MM-DD_HH-MM-SS}.
func TrialDirName(t Trial) string {
	return "P" + sanitize(t.Participant) +
		"_webcam_eye_tracking_" + sanitize(t.Condition) +
		"_" + t.StartedAt.Format("2006-01-02_15-04-05")
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return nanText
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatUnix(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

func formatPoints(pts []fatigue.Point) string {
	if len(pts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, p := range pts {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('[')
		b.WriteString(formatFloat(p.X))
		b.WriteByte(',')
		b.WriteString(formatFloat(p.Y))
		b.WriteByte(']')
	}
	b.WriteByte(']')
	return b.String()
}

// frameFields renders rec in FrameColumns order as text.
func frameFields(rec fatigue.Record) []string {
	analysis := func(s string) string {
		if !rec.FaceDetected {
			return nanText
		}
		return s
	}

	return []string{
		formatUnix(rec.Timestamp),
		formatFloat(rec.LeftOpening),
		formatFloat(rec.RightOpening),
		formatFloat(rec.Perclos),
		analysis(strconv.FormatBool(rec.PerclosReady)),
		analysis(strconv.FormatBool(rec.IsBlink)),
		formatFloat(rec.BlinkSeconds()),
		formatFloat(rec.BlinkRate),
		analysis(strconv.Itoa(rec.BlinksInWindow)),
		strconv.FormatBool(rec.FaceDetected),
		strconv.Itoa(rec.FaceCount),
		rec.Alertness.String(),
		formatFloat(rec.FPS),
		formatPoints(rec.LeftLandmarks),
		formatPoints(rec.RightLandmarks),
		strconv.FormatUint(rec.Seq, 10),
		rec.TraceID,
	}
}

func configFields(t Trial) []string {
	c := t.Config
	return []string{
		t.Participant,
		t.Condition,
		t.SessionID,
		t.TrialID,
		t.Camera,
		t.StartedAt.Format(time.RFC3339),
		formatFloat(c.PerclosHigh),
		formatFloat(c.PerclosMid),
		formatFloat(c.PerclosLow),
		formatFloat(c.PerclosWindowSec),
		formatFloat(c.PerclosClosedThreshold),
		formatFloat(c.BlinkClosedThreshold),
		formatFloat(c.BlinkWindowSec),
		strconv.Itoa(c.BlinkCountThreshold),
		strconv.Itoa(c.TargetFPS),
	}
}

func summaryFields(s Summary) []string {
	return []string{
		s.Participant,
		s.Condition,
		s.SessionID,
		s.TrialID,
		s.StartedAt.Format(time.RFC3339),
		s.EndedAt.Format(time.RFC3339),
		formatFloat(s.Duration.Seconds()),
		strconv.Itoa(s.Rows),
		strconv.Itoa(s.FaceRows),
		strconv.Itoa(s.Blinks),
		formatFloat(s.MeanLeftOpening),
		formatFloat(s.MeanRightOpening),
		formatFloat(s.MeanPerclos),
		formatFloat(s.Capture.FPSMean),
		formatFloat(s.Capture.FPSStdDev),
		formatFloat(s.Capture.FPSMin),
		formatFloat(s.Capture.FPSMax),
		formatFloat(s.Capture.JitterMean),
		strconv.FormatBool(s.Capture.Stable),
		strconv.FormatUint(s.FramesDropped, 10),
		strconv.FormatUint(s.ExtractErrors, 10),
		strconv.FormatUint(s.WriteErrors, 10),
	}
}
