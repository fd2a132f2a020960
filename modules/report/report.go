// Package report persists trial data.
//
// A Sink receives, for every trial:
//
//	Begin(trial) → WriteFrame(record)... → WriteSummary(summary)
//
// and Close once the session ends. Sinks are called from the analyzer
// goroutine (WriteFrame) and the controller goroutine (Begin, WriteSummary,
// Close), never concurrently for the same trial.
//
// Rows for frames without exactly one face carry a "no value" marker in
// every analysis field: NaN in CSV, NULL in SQLite, null in JSON.
package report

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-fatigue/modules/fatigue"
	"github.com/e7canasta/orion-fatigue/modules/framesource"
)

// ErrNoTrial is returned when a frame or summary arrives outside a trial.
var ErrNoTrial = errors.New("report: no trial in progress")

// Trial identifies one recording.
type Trial struct {
	SessionID   string
	TrialID     string
	Participant string
	Condition   string
	Camera      string
	StartedAt   time.Time
	Config      fatigue.CaptureConfig
}

// Summary closes a trial.
type Summary struct {
	Trial

	EndedAt  time.Time
	Duration time.Duration

	Rows     int
	FaceRows int
	Blinks   int

	// Means over face-detected rows, NaN when there were none.
	MeanLeftOpening  float64
	MeanRightOpening float64
	MeanPerclos      float64

	Capture framesource.RateStats

	FramesDropped uint64
	ExtractErrors uint64
	WriteErrors   uint64
}

// Sink is a destination for trial data.
type Sink interface {
	Begin(trial Trial) error
	WriteFrame(rec fatigue.Record) error
	WriteSummary(sum Summary) error
	Close() error
}

// ErrSinkSkipped is wrapped in the error Multi.Begin returns when some
// sinks refused the trial while the others are recording it.
var ErrSinkSkipped = errors.New("report: sink skipped for this trial")

// Multi fans every call out to all sinks. A failing sink does not stop the
// others; errors are joined.
//
// A sink whose Begin fails sits out the rest of that trial and is asked to
// Begin again on the next one. Begin fails outright only when no sink
// accepted the trial.
func Multi(sinks ...Sink) Sink {
	m := &multi{sinks: sinks, active: make([]bool, len(sinks))}
	for i := range m.active {
		m.active[i] = true
	}
	return m
}

type multi struct {
	sinks  []Sink
	active []bool
}

func (m *multi) Begin(trial Trial) error {
	var errs []error
	began := 0
	for i, s := range m.sinks {
		if err := s.Begin(trial); err != nil {
			m.active[i] = false
			errs = append(errs, err)
			slog.Warn("report: sink refused trial, skipping it until the next trial",
				"trial_id", trial.TrialID,
				"sink", fmt.Sprintf("%T", s),
				"error", err,
			)
			continue
		}
		m.active[i] = true
		began++
	}

	switch {
	case len(errs) == 0:
		return nil
	case began == 0:
		return errors.Join(errs...)
	default:
		return fmt.Errorf("%w: %w", ErrSinkSkipped, errors.Join(errs...))
	}
}

func (m *multi) WriteFrame(rec fatigue.Record) error {
	var errs []error
	for i, s := range m.sinks {
		if m.active[i] {
			errs = append(errs, s.WriteFrame(rec))
		}
	}
	return errors.Join(errs...)
}

func (m *multi) WriteSummary(sum Summary) error {
	var errs []error
	for i, s := range m.sinks {
		if m.active[i] {
			errs = append(errs, s.WriteSummary(sum))
		}
	}
	return errors.Join(errs...)
}

func (m *multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
