package framesource

import (
	"context"
	"errors"
	"time"

	"github.com/e7canasta/orion-fatigue/internal/retry"
	"github.com/e7canasta/orion-fatigue/modules/framequeue"
)

// ErrCameraClosed is returned by Read after Close, or at end of stream.
var ErrCameraClosed = errors.New("framesource: camera closed")

// Camera is a frame-producing device.
//
// Contract:
//   - Open may be retried after a failure
//   - Read blocks until a frame is decoded; it returns an error at end of
//     stream, once the camera is closed, or when ctx is done
//   - Read is only called from the source goroutine
//   - Close is idempotent and unblocks a pending Read
type Camera interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (*framequeue.Frame, error)
	Close() error
	Name() string
}

// OpenCamera opens cam with bounded exponential backoff.
func OpenCamera(ctx context.Context, cam Camera, p retry.Policy) error {
	_, err := retry.Do(ctx, "open camera "+cam.Name(), p, cam.Open)
	return err
}

// pullInterval bounds how long a Read waits on the device before it
// checks its context again.
const pullInterval = 100 * time.Millisecond

// pollSample calls try with a bounded wait until it yields a value, ended
// reports the stream is over, or ctx is done.
func pollSample[T any](ctx context.Context, wait time.Duration, try func(time.Duration) (T, bool), ended func() bool) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if v, ok := try(wait); ok {
			return v, nil
		}
		if ended() {
			return zero, ErrCameraClosed
		}
	}
}
