package capture

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/ffsho/AttendanceSystem/internal/config"
	"github.com/ffsho/AttendanceSystem/internal/vision"
)

// ErrNoFrame means no frame arrived before the caller gave up.
var ErrNoFrame = errors.New("no camera frame")

// Camera keeps only the newest decoded frame of an FFmpeg capture.
// Older frames are dropped; the recognition loop never queues behind the device.
type Camera struct {
	src Source

	mu     sync.Mutex
	latest image.Image
	seq    uint64
	taken  uint64
	notify chan struct{}
}

func NewCamera(cfg config.CaptureConfig) *Camera {
	return &Camera{
		src: Source{
			Device: cfg.Device,
			Format: cfg.Format,
			FPS:    cfg.FPS,
			Width:  cfg.FrameWidth,
		},
		notify: make(chan struct{}),
	}
}

// Run captures until ctx is cancelled, restarting FFmpeg with backoff when
// the device drops out.
func (c *Camera) Run(ctx context.Context) error {
	delay := time.Second
	for {
		extractor := &FFmpegExtractor{}
		slog.Info("opening camera", "device", c.src.Device)
		err := extractor.Extract(ctx, c.src, c.push)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("camera capture stopped", "device", c.src.Device, "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

func (c *Camera) push(frame []byte) error {
	img, err := vision.DecodeImage(frame)
	if err != nil {
		return err
	}
	c.Publish(img)
	return nil
}

// Publish installs img as the newest frame.
func (c *Camera) Publish(img image.Image) {
	c.mu.Lock()
	c.latest = img
	c.seq++
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()
}

// Latest returns the newest frame if it has not been handed out yet.
func (c *Camera) Latest() (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil || c.seq == c.taken {
		return nil, false
	}
	c.taken = c.seq
	return c.latest, true
}

// Next waits up to timeout for a frame newer than the last one handed out.
func (c *Camera) Next(ctx context.Context, timeout time.Duration) (image.Image, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		wait := c.notify
		c.mu.Unlock()

		if img, ok := c.Latest(); ok {
			return img, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrNoFrame
		case <-wait:
		}
	}
}
