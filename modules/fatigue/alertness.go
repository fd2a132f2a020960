package fatigue

import "fmt"

// Alertness is the PERCLOS band of a frame.
type Alertness int

const (
	// AlertnessUnavailable: no face, or the PERCLOS window is not ready yet
	AlertnessUnavailable Alertness = iota
	// AlertnessNormal: perclos < low
	AlertnessNormal
	// AlertnessCaution: low <= perclos < high
	AlertnessCaution
	// AlertnessAlert: perclos >= high
	AlertnessAlert
)

// Classify maps a PERCLOS percentage onto a band. The mid threshold plays no
// part: the caution band spans [low, high).
func Classify(perclos, low, high float64) Alertness {
	switch {
	case perclos < low:
		return AlertnessNormal
	case perclos < high:
		return AlertnessCaution
	default:
		return AlertnessAlert
	}
}

// String returns the lowercase band name used in reports.
func (a Alertness) String() string {
	switch a {
	case AlertnessNormal:
		return "normal"
	case AlertnessCaution:
		return "caution"
	case AlertnessAlert:
		return "alert"
	default:
		return "unavailable"
	}
}

// MarshalText encodes the band by name.
func (a Alertness) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes a band name.
func (a *Alertness) UnmarshalText(b []byte) error {
	switch string(b) {
	case "normal":
		*a = AlertnessNormal
	case "caution":
		*a = AlertnessCaution
	case "alert":
		*a = AlertnessAlert
	case "unavailable", "":
		*a = AlertnessUnavailable
	default:
		return fmt.Errorf("fatigue: unknown alertness %q", b)
	}
	return nil
}
