package landmarks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-fatigue/modules/fatigue"
	"github.com/e7canasta/orion-fatigue/modules/framequeue"
)

var (
	// ErrWorkerClosed is returned by Analyze after Close.
	ErrWorkerClosed = errors.New("landmarks: worker closed")
	// ErrTimeout is returned when the worker does not answer in time.
	ErrTimeout = errors.New("landmarks: worker timeout")
)

// Config describes the extractor subprocess.
type Config struct {
	// Command and Args start the worker, e.g. "models/run_landmarks.sh".
	Command string
	Args    []string
	// Env is appended to the parent environment.
	Env []string
	// Timeout bounds one request/response exchange (default: 2s).
	Timeout time.Duration
}

// Metrics is a snapshot of worker counters.
type Metrics struct {
	Requests uint64
	Failures uint64
	Restarts uint64
	Running  bool
}

// Worker is an Extractor backed by a landmark-detection subprocess.
//
// Protocol (stdin/stdout): one Request per frame, one Response per Request,
// each as a 4-byte big-endian length followed by msgpack. The worker logs to
// stderr; lines are forwarded to slog by level.
//
// A timeout, a protocol error or a cancelled context kills the subprocess;
// the next Analyze spawns a fresh one. Exchanges are serialized.
type Worker struct {
	cfg Config

	mu     sync.Mutex
	proc   *process
	closed bool

	requests atomic.Uint64
	failures atomic.Uint64
	restarts atomic.Uint64
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	done   chan struct{}
}

// NewWorker validates cfg. The subprocess is spawned on first use.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("landmarks: worker command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Worker{cfg: cfg}, nil
}

// Analyze sends frame to the worker and waits for its reading.
func (w *Worker) Analyze(ctx context.Context, frame *framequeue.Frame) (fatigue.EyeReading, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fatigue.EyeReading{}, ErrWorkerClosed
	}

	p, err := w.ensureLocked()
	if err != nil {
		w.failures.Add(1)
		return fatigue.EyeReading{}, err
	}

	w.requests.Add(1)

	type result struct {
		resp Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		if err := WriteMessage(p.stdin, NewRequest(frame)); err != nil {
			ch <- result{err: err}
			return
		}
		var resp Response
		err := ReadMessage(p.stdout, &resp)
		ch <- result{resp: resp, err: err}
	}()

	timer := time.NewTimer(w.cfg.Timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			w.failLocked(p, "exchange failed", r.err)
			return fatigue.EyeReading{}, r.err
		}
		if r.resp.Seq != frame.Seq {
			err := fmt.Errorf("landmarks: response for seq %d, expected %d", r.resp.Seq, frame.Seq)
			w.failLocked(p, "out of sync", err)
			return fatigue.EyeReading{}, err
		}
		return r.resp.Reading()

	case <-timer.C:
		w.failLocked(p, "timeout", ErrTimeout)
		return fatigue.EyeReading{}, fmt.Errorf("%w after %v (seq %d)", ErrTimeout, w.cfg.Timeout, frame.Seq)

	case <-ctx.Done():
		w.failLocked(p, "cancelled", ctx.Err())
		return fatigue.EyeReading{}, ctx.Err()
	}
}

// ensureLocked returns the running process, spawning one if needed.
func (w *Worker) ensureLocked() (*process, error) {
	if w.proc != nil {
		select {
		case <-w.proc.done:
			slog.Warn("landmarks: worker exited, respawning")
			w.proc = nil
			w.restarts.Add(1)
		default:
			return w.proc, nil
		}
	}

	cmd := exec.Command(w.cfg.Command, w.cfg.Args...)
	if len(w.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), w.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("landmarks: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("landmarks: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("landmarks: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("landmarks: failed to start worker: %w", err)
	}

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		done:   make(chan struct{}),
	}

	go logStderr(cmd.Process.Pid, stderr)
	go func() {
		err := cmd.Wait()
		slog.Debug("landmarks: worker exited", "pid", cmd.Process.Pid, "error", err)
		close(p.done)
	}()

	slog.Info("landmarks: worker spawned", "command", w.cfg.Command, "pid", cmd.Process.Pid)

	w.proc = p
	return p, nil
}

// failLocked kills p so that the next call starts from a clean stream.
func (w *Worker) failLocked(p *process, reason string, err error) {
	w.failures.Add(1)
	slog.Error("landmarks: killing worker",
		"reason", reason,
		"pid", p.cmd.Process.Pid,
		"error", err,
	)
	p.cmd.Process.Kill()
	p.stdin.Close()
	if w.proc == p {
		w.proc = nil
		w.restarts.Add(1)
	}
}

// Close asks the worker to exit by closing its stdin, then kills it if it
// has not exited within 2s. Idempotent.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	p := w.proc
	w.proc = nil
	if p == nil {
		return nil
	}

	p.stdin.Close()
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		slog.Warn("landmarks: worker stop timeout, force killing", "pid", p.cmd.Process.Pid)
		p.cmd.Process.Kill()
		<-p.done
	}
	return nil
}

// Metrics returns a snapshot of the counters.
func (w *Worker) Metrics() Metrics {
	w.mu.Lock()
	running := w.proc != nil
	w.mu.Unlock()

	return Metrics{
		Requests: w.requests.Load(),
		Failures: w.failures.Load(),
		Restarts: w.restarts.Load(),
		Running:  running,
	}
}

// logStderr forwards worker log lines.
// Format expected from the worker: "timestamp [LEVEL] message".
func logStderr(pid int, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			slog.Error("landmarks: worker error", "pid", pid, "log", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			slog.Warn("landmarks: worker warning", "pid", pid, "log", line)
		default:
			slog.Debug("landmarks: worker log", "pid", pid, "log", line)
		}
	}
}
