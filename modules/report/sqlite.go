package report

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/e7canasta/orion-fatigue/modules/fatigue"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS trials (
		id TEXT PRIMARY KEY,
		sessionId TEXT NOT NULL,
		participant TEXT NOT NULL,
		condition TEXT NOT NULL,
		camera TEXT NOT NULL,
		startedAt REAL NOT NULL,
		config TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS frames (
		trialId TEXT NOT NULL REFERENCES trials(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		traceId TEXT,
		timestamp REAL NOT NULL,
		leftOpening REAL,
		rightOpening REAL,
		perclos REAL,
		perclosReady INTEGER,
		isBlink INTEGER,
		lastBlinkDuration REAL,
		blinkRate REAL,
		blinksInWindow INTEGER,
		faceDetected INTEGER NOT NULL,
		faceCount INTEGER NOT NULL,
		alertness TEXT NOT NULL,
		fps REAL NOT NULL,
		leftLandmarks TEXT,
		rightLandmarks TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_frames_trial ON frames(trialId, seq);

	CREATE TABLE IF NOT EXISTS summaries (
		trialId TEXT PRIMARY KEY REFERENCES trials(id) ON DELETE CASCADE,
		endedAt REAL NOT NULL,
		duration REAL NOT NULL,
		rows INTEGER NOT NULL,
		faceRows INTEGER NOT NULL,
		blinks INTEGER NOT NULL,
		meanLeftOpening REAL,
		meanRightOpening REAL,
		meanPerclos REAL,
		captureFpsMean REAL,
		captureStable INTEGER NOT NULL,
		framesDropped INTEGER NOT NULL,
		extractErrors INTEGER NOT NULL,
		writeErrors INTEGER NOT NULL
	);
`

const insertFrame = `
	INSERT INTO frames (
		trialId, seq, traceId, timestamp, leftOpening, rightOpening, perclos,
		perclosReady, isBlink, lastBlinkDuration, blinkRate, blinksInWindow,
		faceDetected, faceCount, alertness, fps, leftLandmarks, rightLandmarks
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// SQLiteSink stores trials in a single SQLite database.
// Analysis fields of faceless rows are stored as NULL.
type SQLiteSink struct {
	db *sql.DB

	mu      sync.Mutex
	trialID string
	insert  *sql.Stmt
}

// OpenSQLite opens (creating if needed) the database at path.
// ":memory:" is accepted.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("report: open database: %w", err)
	}
	// One writer; also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("report: ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("report: create schema: %w", err)
	}

	insert, err := db.Prepare(insertFrame)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("report: prepare insert: %w", err)
	}

	return &SQLiteSink{db: db, insert: insert}, nil
}

// DB exposes the database for read queries.
func (s *SQLiteSink) DB() *sql.DB {
	return s.db
}

func (s *SQLiteSink) Begin(trial Trial) error {
	cfg, err := json.Marshal(trial.Config)
	if err != nil {
		return fmt.Errorf("report: marshal config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO trials (id, sessionId, participant, condition, camera, startedAt, config)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, trial.TrialID, trial.SessionID, trial.Participant, trial.Condition, trial.Camera,
		unixSeconds(trial.StartedAt), string(cfg))
	if err != nil {
		return fmt.Errorf("report: insert trial: %w", err)
	}

	s.trialID = trial.TrialID
	return nil
}

func (s *SQLiteSink) WriteFrame(rec fatigue.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.trialID == "" {
		return ErrNoTrial
	}

	var ready, blink, inWindow any
	if rec.FaceDetected {
		ready, blink, inWindow = rec.PerclosReady, rec.IsBlink, rec.BlinksInWindow
	}

	_, err := s.insert.Exec(
		s.trialID, int64(rec.Seq), rec.TraceID, unixSeconds(rec.Timestamp),
		nullable(rec.LeftOpening), nullable(rec.RightOpening), nullable(rec.Perclos),
		ready, blink, nullable(rec.BlinkSeconds()), nullable(rec.BlinkRate), inWindow,
		rec.FaceDetected, rec.FaceCount, rec.Alertness.String(), rec.FPS,
		landmarksJSON(rec.LeftLandmarks), landmarksJSON(rec.RightLandmarks),
	)
	if err != nil {
		return fmt.Errorf("report: insert frame: %w", err)
	}
	return nil
}

func (s *SQLiteSink) WriteSummary(sum Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.trialID == "" {
		return ErrNoTrial
	}

	_, err := s.db.Exec(`
		INSERT INTO summaries (
			trialId, endedAt, duration, rows, faceRows, blinks,
			meanLeftOpening, meanRightOpening, meanPerclos,
			captureFpsMean, captureStable, framesDropped, extractErrors, writeErrors
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.trialID, unixSeconds(sum.EndedAt), sum.Duration.Seconds(), sum.Rows, sum.FaceRows, sum.Blinks,
		nullable(sum.MeanLeftOpening), nullable(sum.MeanRightOpening), nullable(sum.MeanPerclos),
		nullable(sum.Capture.FPSMean), sum.Capture.Stable,
		int64(sum.FramesDropped), int64(sum.ExtractErrors), int64(sum.WriteErrors))
	if err != nil {
		return fmt.Errorf("report: insert summary: %w", err)
	}

	slog.Info("report: sqlite trial written", "trial_id", s.trialID, "rows", sum.Rows)
	s.trialID = ""
	return nil
}

func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.insert != nil {
		s.insert.Close()
		s.insert = nil
	}
	return s.db.Close()
}

// FrameCount returns the number of stored rows for a trial.
func (s *SQLiteSink) FrameCount(trialID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM frames WHERE trialId = ?`, trialID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("report: count frames: %w", err)
	}
	return n, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// nullable maps NaN to NULL.
func nullable(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

func landmarksJSON(pts []fatigue.Point) any {
	if len(pts) == 0 {
		return nil
	}
	b, err := json.Marshal(pts)
	if err != nil {
		return nil
	}
	return string(b)
}
