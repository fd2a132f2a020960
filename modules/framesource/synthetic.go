package framesource

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/e7canasta/orion-fatigue/modules/framequeue"
)

// SyntheticCamera generates solid-gradient RGB frames.
// Used for demos without a webcam and by tests.
type SyntheticCamera struct {
	Width  int
	Height int

	// FailOpens makes the first N Open calls fail.
	FailOpens int
	// MaxFrames ends the stream after N frames (0 = unlimited).
	MaxFrames int

	mu     sync.Mutex
	opened bool
	closed bool
	opens  int
	reads  int
}

// NewSyntheticCamera creates an unlimited synthetic camera.
func NewSyntheticCamera(width, height int) *SyntheticCamera {
	return &SyntheticCamera{Width: width, Height: height}
}

func (c *SyntheticCamera) Name() string { return "synthetic" }

func (c *SyntheticCamera) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.opens++
	if c.opens <= c.FailOpens {
		return errors.New("framesource: synthetic camera busy")
	}
	c.opened = true
	c.closed = false
	slog.Info("framesource: synthetic camera opened", "width", c.Width, "height", c.Height)
	return nil
}

func (c *SyntheticCamera) Read(ctx context.Context) (*framequeue.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || !c.opened {
		return nil, ErrCameraClosed
	}
	if c.MaxFrames > 0 && c.reads >= c.MaxFrames {
		return nil, ErrCameraClosed
	}
	c.reads++

	data := make([]byte, c.Width*c.Height*3)
	shade := byte(c.reads)
	for i := 0; i < len(data); i += 3 {
		px := i / 3
		data[i] = byte(px%c.Width) + shade
		data[i+1] = byte(px / c.Width)
		data[i+2] = shade
	}

	return &framequeue.Frame{Data: data, Width: c.Width, Height: c.Height}, nil
}

func (c *SyntheticCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.opened = false
	return nil
}

// Opens returns how many times Open was called.
func (c *SyntheticCamera) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}
