package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/e7canasta/orion-fatigue/internal/retry"
	"github.com/e7canasta/orion-fatigue/modules/fatigue"
)

var (
	// ErrInvalidState is returned when a command is not valid in the
	// current state.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrMissingConfig is returned when required configuration is absent.
	ErrMissingConfig = errors.New("session: missing configuration")
)

// State is the controller lifecycle state.
//
//	Idle ──Open──▶ Preview ──Start──▶ Recording
//	                  ▲                   │
//	                  └───────End─────────┘
//	any ──Close──▶ Closed (terminal)
type State int

const (
	Idle State = iota
	Preview
	Recording
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preview:
		return "preview"
	case Recording:
		return "recording"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config is the session configuration. It is read-only once the session is
// open.
type Config struct {
	Participant string
	ReportDir   string
	Capture     fatigue.CaptureConfig

	// QueueSize is the frame queue capacity (default framequeue.DefaultCapacity).
	QueueSize int

	// OpenPolicy bounds camera open retries.
	OpenPolicy retry.Policy

	// EventLog writes operator commands and failures to
	// {ReportDir}/diagnosis/P{participant}_{ts}/logs.csv.
	EventLog bool
}

// Validate checks the fields required to open a session.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Participant) == "" {
		return fmt.Errorf("%w: participant id", ErrMissingConfig)
	}
	if strings.TrimSpace(c.ReportDir) == "" {
		return fmt.Errorf("%w: report directory", ErrMissingConfig)
	}
	return c.Capture.Validate()
}
