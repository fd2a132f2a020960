package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/e7canasta/orion-fatigue/modules/fatigue"
)

// CSVSink writes one directory per trial under Root:
//
//	{Root}/P{pid}_webcam_eye_tracking_{cond}_{ts}/
//	    config.csv   trial configuration (one row)
//	    data.csv     one row per analyzed frame
//	    summary.csv  trial summary (one row, written at End)
//
// A trial whose directory already exists (same participant and condition
// started within the same second) gets a _2, _3... suffix.
type CSVSink struct {
	root string

	mu   sync.Mutex
	dir  string
	file *os.File
	w    *csv.Writer
	rows int
}

// NewCSVSink creates a sink writing under root. The directory is created on
// the first Begin.
func NewCSVSink(root string) *CSVSink {
	return &CSVSink{root: root}
}

// Dir returns the directory of the current or last trial.
func (s *CSVSink) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

func (s *CSVSink) Begin(trial Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		slog.Warn("report: csv trial not closed, closing before next trial", "dir", s.dir)
		s.closeDataLocked()
	}

	dir, err := claimDir(s.root, TrialDirName(trial))
	if err != nil {
		return fmt.Errorf("report: create trial dir: %w", err)
	}

	if err := writeSingleRow(filepath.Join(dir, "config.csv"), ConfigColumns, configFields(trial)); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(dir, "data.csv"))
	if err != nil {
		return fmt.Errorf("report: create data.csv: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(FrameColumns); err != nil {
		f.Close()
		return fmt.Errorf("report: write data header: %w", err)
	}
	w.Flush()

	s.dir = dir
	s.file = f
	s.w = w
	s.rows = 0

	slog.Info("report: csv trial started", "dir", dir)
	return nil
}

func (s *CSVSink) WriteFrame(rec fatigue.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		return ErrNoTrial
	}
	if err := s.w.Write(frameFields(rec)); err != nil {
		return fmt.Errorf("report: write row: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("report: flush row: %w", err)
	}
	s.rows++
	return nil
}

func (s *CSVSink) WriteSummary(sum Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		return ErrNoTrial
	}
	rows := s.rows
	if err := s.closeDataLocked(); err != nil {
		return err
	}

	if err := writeSingleRow(filepath.Join(s.dir, "summary.csv"), SummaryColumns, summaryFields(sum)); err != nil {
		return err
	}

	slog.Info("report: csv trial written", "dir", s.dir, "rows", rows)
	return nil
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeDataLocked()
}

func (s *CSVSink) closeDataLocked() error {
	if s.file == nil {
		return nil
	}
	s.w.Flush()
	werr := s.w.Error()
	cerr := s.file.Close()
	s.file = nil
	s.w = nil
	if werr != nil {
		return fmt.Errorf("report: flush data.csv: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("report: close data.csv: %w", cerr)
	}
	return nil
}

// claimDir creates root/name, or the first free root/name_N, and returns
// its path. Creation is exclusive so two trials never share a directory.
func claimDir(root, name string) (string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	dir := filepath.Join(root, name)
	for n := 2; ; n++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
		dir = filepath.Join(root, name+"_"+strconv.Itoa(n))
	}
}

// writeSingleRow writes a header and one row to path.
func writeSingleRow(path string, header, row []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %s: %w", filepath.Base(path), err)
	}

	w := csv.NewWriter(f)
	if err := w.WriteAll([][]string{header, row}); err != nil {
		f.Close()
		return fmt.Errorf("report: write %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("report: close %s: %w", filepath.Base(path), err)
	}
	return nil
}
