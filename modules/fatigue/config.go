package fatigue

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned by CaptureConfig.Validate.
var ErrInvalidConfig = errors.New("fatigue: invalid capture config")

// CaptureConfig holds the analysis parameters of a session.
// It is read-only once a session mode is running.
type CaptureConfig struct {
	// TargetFPS is the pacing rate of the camera and the fallback rate of the
	// analyzer on the first frame.
	TargetFPS int `yaml:"fps" json:"fps"`

	// PERCLOS alertness bands in percent, Low < Mid < High.
	PerclosLow  float64 `yaml:"perclos_low" json:"perclos_low"`
	PerclosMid  float64 `yaml:"perclos_mid" json:"perclos_mid"`
	PerclosHigh float64 `yaml:"perclos_high" json:"perclos_high"`

	// PerclosWindowSec is the PERCLOS sliding window span in seconds.
	PerclosWindowSec float64 `yaml:"perclos_window_s" json:"perclos_window_s"`

	// PerclosClosedThreshold marks an eye closed for PERCLOS when its
	// opening score falls below it.
	PerclosClosedThreshold float64 `yaml:"perclos_closed_threshold" json:"perclos_closed_threshold"`

	// BlinkClosedThreshold drives the blink hysteresis.
	BlinkClosedThreshold float64 `yaml:"blink_closed_threshold" json:"blink_closed_threshold"`

	// BlinkWindowSec is the blink-rate sliding window span in seconds.
	BlinkWindowSec float64 `yaml:"blink_window_s" json:"blink_window_s"`

	// BlinkCountThreshold is the blinks-per-window alert level. Reported with
	// the trial configuration, not used for classification.
	BlinkCountThreshold int `yaml:"blink_count_threshold" json:"blink_count_threshold"`
}

// DefaultCaptureConfig returns the configuration used when nothing is set.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		TargetFPS:              40,
		PerclosLow:             10,
		PerclosMid:             15,
		PerclosHigh:            20,
		PerclosWindowSec:       15,
		PerclosClosedThreshold: 0.20,
		BlinkClosedThreshold:   0.35,
		BlinkWindowSec:         15,
		BlinkCountThreshold:    2,
	}
}

// Validate checks the constraints between fields.
// All errors wrap ErrInvalidConfig.
func (c CaptureConfig) Validate() error {
	if c.TargetFPS < 1 {
		return fmt.Errorf("%w: fps must be >= 1, got %d", ErrInvalidConfig, c.TargetFPS)
	}
	if c.PerclosWindowSec < 1 {
		return fmt.Errorf("%w: perclos window must be >= 1s, got %v", ErrInvalidConfig, c.PerclosWindowSec)
	}
	if c.BlinkWindowSec < 1 {
		return fmt.Errorf("%w: blink window must be >= 1s, got %v", ErrInvalidConfig, c.BlinkWindowSec)
	}
	if c.PerclosLow < 0 || c.PerclosHigh > 100 {
		return fmt.Errorf("%w: perclos bands must be within [0,100]", ErrInvalidConfig)
	}
	if !(c.PerclosLow < c.PerclosMid && c.PerclosMid < c.PerclosHigh) {
		return fmt.Errorf("%w: perclos bands must satisfy low < mid < high, got %v/%v/%v",
			ErrInvalidConfig, c.PerclosLow, c.PerclosMid, c.PerclosHigh)
	}
	if !inOpenUnit(c.PerclosClosedThreshold) {
		return fmt.Errorf("%w: perclos closed threshold must be in (0,1), got %v", ErrInvalidConfig, c.PerclosClosedThreshold)
	}
	if !inOpenUnit(c.BlinkClosedThreshold) {
		return fmt.Errorf("%w: blink closed threshold must be in (0,1), got %v", ErrInvalidConfig, c.BlinkClosedThreshold)
	}
	if c.BlinkCountThreshold < 0 {
		return fmt.Errorf("%w: blink count threshold must be >= 0", ErrInvalidConfig)
	}
	return nil
}

func inOpenUnit(v float64) bool {
	return v > 0 && v < 1
}
