package console

import (
	"time"

	"github.com/e7canasta/orion-fatigue/modules/report"
	"github.com/e7canasta/orion-fatigue/modules/session"
)

// snapshotMsg carries a fresh controller snapshot.
type snapshotMsg struct {
	Snapshot session.Snapshot
}

// tickMsg fires on every refresh interval.
type tickMsg time.Time

// startedMsg reports the outcome of a Start command.
type startedMsg struct {
	Condition string
	Err       error
}

// endedMsg reports the outcome of an End command.
type endedMsg struct {
	Summary report.Summary
	Err     error
}

// closedMsg reports the outcome of Close; the program quits after it.
type closedMsg struct {
	Err error
}

// clearErrorMsg clears a transient error.
type clearErrorMsg struct{}
