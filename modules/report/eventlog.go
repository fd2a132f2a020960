package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventLog records operator actions and failures of a session in
// {root}/diagnosis/P{participant}_{ts}/logs.csv (timestamp, event, element).
type EventLog struct {
	path string
	now  func() time.Time

	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// OpenEventLog creates the log file for a session started at startedAt.
func OpenEventLog(root, participant string, startedAt time.Time) (*EventLog, error) {
	dir := filepath.Join(root, "diagnosis",
		"P"+sanitize(participant)+"_"+startedAt.Format("2006-01-02_15-04-05"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("report: create diagnosis dir: %w", err)
	}

	path := filepath.Join(dir, "logs.csv")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("report: create logs.csv: %w", err)
	}

	w := csv.NewWriter(f)
	w.Write([]string{"timestamp", "event", "element"})
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("report: write logs.csv header: %w", err)
	}

	return &EventLog{path: path, now: time.Now, file: f, w: w}, nil
}

// Path returns the log file path.
func (l *EventLog) Path() string {
	return l.path
}

// Log appends one event. Errors are returned but never fatal to callers.
func (l *EventLog) Log(event, element string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w == nil {
		return os.ErrClosed
	}
	l.w.Write([]string{l.now().Format(time.RFC3339Nano), event, element})
	l.w.Flush()
	return l.w.Error()
}

func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	l.w.Flush()
	err := l.file.Close()
	l.file = nil
	l.w = nil
	return err
}
