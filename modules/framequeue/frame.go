package framequeue

import "time"

// Frame is a captured webcam image travelling from the acquisition stage to
// the analysis stage.
//
// OWNERSHIP CONTRACT:
//   - Producer: MUST NOT touch the frame after a successful Enqueue.
//   - Consumer: owns the frame exclusively after Dequeue returns it.
//   - Transfer is by pointer, the pixel buffer is never copied by the queue.
type Frame struct {
	// Data holds packed RGB pixels (3 bytes per pixel, row-major).
	Data []byte

	// Width of the frame in pixels
	Width int

	// Height of the frame in pixels
	Height int

	// Timestamp is the capture wall-clock time (source time, not processing time)
	Timestamp time.Time

	// Seq is the per-source capture sequence number, starting at 1.
	Seq uint64

	// TraceID identifies the frame across logs and report rows.
	TraceID string
}
