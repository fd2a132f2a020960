package landmarks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-fatigue/modules/fatigue"
	"github.com/e7canasta/orion-fatigue/modules/framequeue"
)

// maxMessageSize bounds a single response read from the worker.
const maxMessageSize = 16 << 20

// ErrMessageTooLarge is returned when a length prefix exceeds maxMessageSize.
var ErrMessageTooLarge = errors.New("landmarks: message too large")

// Request is sent to the worker for every frame.
type Request struct {
	FrameData []byte `msgpack:"frame_data"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Seq       uint64 `msgpack:"seq"`
	TraceID   string `msgpack:"trace_id"`
	Timestamp string `msgpack:"timestamp"`
}

// Response is the worker's answer for one frame.
type Response struct {
	Seq            uint64          `msgpack:"seq"`
	FaceCount      int             `msgpack:"face_count"`
	LeftOpening    float64         `msgpack:"left_opening"`
	RightOpening   float64         `msgpack:"right_opening"`
	LeftLandmarks  []fatigue.Point `msgpack:"left_landmarks"`
	RightLandmarks []fatigue.Point `msgpack:"right_landmarks"`
	Error          string          `msgpack:"error,omitempty"`
}

// NewRequest builds the request for a frame.
func NewRequest(frame *framequeue.Frame) Request {
	return Request{
		FrameData: frame.Data,
		Width:     frame.Width,
		Height:    frame.Height,
		Seq:       frame.Seq,
		TraceID:   frame.TraceID,
		Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
	}
}

// Reading converts a response into an EyeReading.
func (r Response) Reading() (fatigue.EyeReading, error) {
	if r.Error != "" {
		return fatigue.EyeReading{}, fmt.Errorf("landmarks: worker error: %s", r.Error)
	}
	return fatigue.EyeReading{
		FaceCount:      r.FaceCount,
		LeftOpening:    r.LeftOpening,
		RightOpening:   r.RightOpening,
		LeftLandmarks:  r.LeftLandmarks,
		RightLandmarks: r.RightLandmarks,
	}, nil
}

// WriteMessage writes v as msgpack with a 4-byte big-endian length prefix.
func WriteMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("landmarks: marshal: %w", err)
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("landmarks: write: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed msgpack message into v.
func ReadMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("landmarks: read length: %w", err)
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("landmarks: read payload: %w", err)
	}

	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("landmarks: unmarshal: %w", err)
	}
	return nil
}
