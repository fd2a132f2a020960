package framesource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-fatigue/modules/framequeue"
)

// GstConfig configures a V4L2 webcam pipeline.
type GstConfig struct {
	// Device is the V4L2 device node (default: /dev/video0)
	Device string
	Width  int
	Height int
	// FPS is the rate negotiated with the camera. The source paces reads
	// on its own, videorate only keeps the camera from outrunning it.
	FPS int
}

// GstCamera captures RGB frames from a webcam through GStreamer.
//
// Pipeline:
//
//	v4l2src → videoconvert → videoscale → videorate → capsfilter(RGB) → appsink
type GstCamera struct {
	cfg GstConfig

	mu       sync.Mutex
	pipeline *gst.Pipeline
	sink     *app.Sink
	closed   bool
}

// NewGstCamera validates cfg and returns an unopened camera.
func NewGstCamera(cfg GstConfig) (*GstCamera, error) {
	if cfg.Device == "" {
		cfg.Device = "/dev/video0"
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("framesource: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS < 1 {
		return nil, fmt.Errorf("framesource: invalid fps %d", cfg.FPS)
	}
	return &GstCamera{cfg: cfg}, nil
}

func (c *GstCamera) Name() string { return c.cfg.Device }

// launchString builds the gst-launch description of the capture pipeline.
func (c *GstCamera) launchString() string {
	return fmt.Sprintf(
		"v4l2src device=%s ! videoconvert ! videoscale ! videorate drop-only=true ! "+
			"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1 ! "+
			"appsink name=sink sync=false max-buffers=1 drop=true",
		c.cfg.Device, c.cfg.Width, c.cfg.Height, c.cfg.FPS,
	)
}

// Open builds the pipeline and waits for it to reach PLAYING.
func (c *GstCamera) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Safe to call multiple times
	gst.Init(nil)

	pipeline, err := gst.NewPipelineFromString(c.launchString())
	if err != nil {
		return fmt.Errorf("framesource: failed to create pipeline: %w", err)
	}

	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("framesource: appsink not found: %w", err)
	}
	sink := app.SinkFromElement(elem)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("framesource: failed to start pipeline: %w", err)
	}

	// Surface device errors (busy, missing) as an Open failure so the
	// caller's backoff can retry.
	if err := waitPlaying(ctx, pipeline, 2*time.Second); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("framesource: camera %s: %w", c.cfg.Device, err)
	}

	c.pipeline = pipeline
	c.sink = sink
	c.closed = false

	slog.Info("framesource: gstreamer camera opened",
		"device", c.cfg.Device,
		"resolution", fmt.Sprintf("%dx%d", c.cfg.Width, c.cfg.Height),
		"fps", c.cfg.FPS,
	)
	return nil
}

// waitPlaying polls the pipeline bus until the pipeline reports PLAYING, an
// error arrives or the timeout expires. A timeout is not an error: some
// drivers only post the state change once the first buffer flows.
func waitPlaying(ctx context.Context, pipeline *gst.Pipeline, timeout time.Duration) error {
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("framesource: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
			return fmt.Errorf("pipeline error: %s", gerr.Error())

		case gst.MessageStateChanged:
			if _, newState := msg.ParseStateChanged(); newState == gst.StatePlaying {
				return nil
			}
		}
	}
	return nil
}

// Read pulls the next sample from the appsink and copies its pixels
// (GStreamer reuses the buffer).
func (c *GstCamera) Read(ctx context.Context) (*framequeue.Frame, error) {
	c.mu.Lock()
	sink, closed := c.sink, c.closed
	c.mu.Unlock()

	if closed || sink == nil {
		return nil, ErrCameraClosed
	}

	sample, err := pollSample(ctx, pullInterval,
		func(wait time.Duration) (*gst.Sample, bool) {
			s := sink.TryPullSample(wait)
			return s, s != nil
		},
		// EOS, or the pipeline was set to NULL by Close
		func() bool { return sink.IsEOS() || c.isClosed() },
	)
	if err != nil {
		return nil, err
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, fmt.Errorf("framesource: sample without buffer")
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return nil, fmt.Errorf("framesource: empty buffer")
	}
	pixels := make([]byte, len(data))
	copy(pixels, data)
	buffer.Unmap()

	return &framequeue.Frame{
		Data:      pixels,
		Width:     c.cfg.Width,
		Height:    c.cfg.Height,
		Timestamp: time.Now(),
	}, nil
}

func (c *GstCamera) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops the pipeline and releases the device. Idempotent.
func (c *GstCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.pipeline == nil {
		c.closed = true
		return nil
	}
	c.closed = true

	if err := c.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("framesource: failed to set pipeline to NULL: %w", err)
	}
	c.pipeline = nil
	c.sink = nil

	slog.Info("framesource: gstreamer camera closed", "device", c.cfg.Device)
	return nil
}
