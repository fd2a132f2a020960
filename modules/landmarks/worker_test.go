package landmarks

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/e7canasta/orion-fatigue/modules/fatigue"
	"github.com/e7canasta/orion-fatigue/modules/framequeue"
)

// TestHelperProcess is not a real test: it is the fake landmark worker
// spawned by the Worker tests (re-executing the test binary).
//
// Modes (LANDMARKS_HELPER):
//   - echo: one face, openings derived from the frame size
//   - error: every response carries an error
//   - hang-odd: never answers odd sequence numbers
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("LANDMARKS_HELPER")
	if mode == "" {
		return
	}

	in := bufio.NewReader(os.Stdin)
	for {
		var req Request
		if err := ReadMessage(in, &req); err != nil {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "2024-01-01 [INFO] frame %d\n", req.Seq)

		resp := Response{Seq: req.Seq}
		switch mode {
		case "error":
			resp.Error = "model not loaded"
		case "hang-odd":
			if req.Seq%2 == 1 {
				time.Sleep(time.Hour)
			}
			fallthrough
		default:
			resp.FaceCount = 1
			resp.LeftOpening = float64(req.Width) / 1000
			resp.RightOpening = float64(req.Height) / 1000
			resp.LeftLandmarks = []fatigue.Point{{X: 1, Y: 2}}
		}
		if err := WriteMessage(os.Stdout, resp); err != nil {
			os.Exit(1)
		}
	}
}

func helperWorker(t *testing.T, mode string, timeout time.Duration) *Worker {
	t.Helper()
	w, err := NewWorker(Config{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$"},
		Env:     []string{"LANDMARKS_HELPER=" + mode},
		Timeout: timeout,
	})
	if err != nil {
		t.Fatalf("NewWorker() failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func testFrame(seq uint64) *framequeue.Frame {
	return &framequeue.Frame{Seq: seq, Width: 640, Height: 480, Data: make([]byte, 64), Timestamp: time.Now()}
}

func TestWorkerExchange(t *testing.T) {
	w := helperWorker(t, "echo", 5*time.Second)

	for seq := uint64(1); seq <= 3; seq++ {
		r, err := w.Analyze(context.Background(), testFrame(seq))
		if err != nil {
			t.Fatalf("Analyze(seq=%d) failed: %v", seq, err)
		}
		if r.FaceCount != 1 || r.LeftOpening != 0.64 || r.RightOpening != 0.48 {
			t.Errorf("reading = %+v", r)
		}
		if len(r.LeftLandmarks) != 1 || r.LeftLandmarks[0] != (fatigue.Point{X: 1, Y: 2}) {
			t.Errorf("landmarks = %+v", r.LeftLandmarks)
		}
	}

	m := w.Metrics()
	if m.Requests != 3 || m.Failures != 0 || m.Restarts != 0 || !m.Running {
		t.Errorf("metrics = %+v", m)
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if _, err := w.Analyze(context.Background(), testFrame(4)); !errors.Is(err, ErrWorkerClosed) {
		t.Errorf("Analyze after Close = %v, want ErrWorkerClosed", err)
	}
}

func TestWorkerErrorResponse(t *testing.T) {
	w := helperWorker(t, "error", 5*time.Second)

	if _, err := w.Analyze(context.Background(), testFrame(1)); err == nil {
		t.Fatal("worker error not surfaced")
	}
	// An error response keeps the stream in sync: no restart
	if m := w.Metrics(); m.Restarts != 0 {
		t.Errorf("restarts = %d after an error response", m.Restarts)
	}
}

// TestWorkerTimeoutRespawns validates a hung worker is killed and the next
// frame goes to a fresh process.
func TestWorkerTimeoutRespawns(t *testing.T) {
	w := helperWorker(t, "hang-odd", 300*time.Millisecond)

	start := time.Now()
	_, err := w.Analyze(context.Background(), testFrame(1))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Analyze(seq=1) = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}

	r, err := w.Analyze(context.Background(), testFrame(2))
	if err != nil {
		t.Fatalf("Analyze(seq=2) after respawn failed: %v", err)
	}
	if r.FaceCount != 1 {
		t.Errorf("reading after respawn = %+v", r)
	}

	m := w.Metrics()
	if m.Restarts != 1 || m.Failures != 1 {
		t.Errorf("metrics = %+v, want 1 restart / 1 failure", m)
	}
}

func TestNewWorkerRequiresCommand(t *testing.T) {
	if _, err := NewWorker(Config{}); err == nil {
		t.Error("empty command accepted")
	}
}

func TestReadMessageRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], maxMessageSize+1)
	buf.Write(prefix[:])

	var resp Response
	if err := ReadMessage(&buf, &resp); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("ReadMessage() = %v, want ErrMessageTooLarge", err)
	}
}

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	frame := testFrame(7)
	frame.TraceID = "abc"

	if err := WriteMessage(&buf, NewRequest(frame)); err != nil {
		t.Fatalf("WriteMessage() failed: %v", err)
	}
	if n := binary.BigEndian.Uint32(buf.Bytes()[:4]); int(n) != buf.Len()-4 {
		t.Errorf("length prefix %d, payload %d", n, buf.Len()-4)
	}

	var got Request
	if err := ReadMessage(&buf, &got); err != nil {
		t.Fatalf("ReadMessage() failed: %v", err)
	}
	if got.Seq != 7 || got.TraceID != "abc" || got.Width != 640 || len(got.FrameData) != 64 {
		t.Errorf("request = %+v", got)
	}
}

func TestSyntheticSignal(t *testing.T) {
	s := Synthetic{BlinkEvery: 10, BlinkLength: 3, NoFaceEvery: 25}

	var closed, faceless int
	for seq := uint64(1); seq <= 50; seq++ {
		r, _ := s.Analyze(context.Background(), &framequeue.Frame{Seq: seq, Width: 100, Height: 80})
		switch {
		case r.FaceCount == 0:
			faceless++
		case r.LeftOpening < 0.35:
			closed++
		}
	}
	// faceless: 25, 50; closed: seq%10 in {0,1,2} minus 50 (faceless)
	if faceless != 2 {
		t.Errorf("faceless frames = %d, want 2", faceless)
	}
	if closed != 14 {
		t.Errorf("closed frames = %d, want 14", closed)
	}
}
