package vision

import (
	"context"
	"image"
	"time"

	"github.com/ffsho/AttendanceSystem/internal/observability"
)

// FrameSource hands out the most recent camera frame. ok is false when no
// new frame arrived since the previous call.
type FrameSource interface {
	Latest() (img image.Image, ok bool)
}

// FrameSink receives every annotated frame, for example a preview encoder.
type FrameSink func(frame *image.RGBA, results []RecognitionResult)

// Runner invokes the Controller once per tick.
type Runner struct {
	controller *Controller
	source     FrameSource
	interval   time.Duration
	sink       FrameSink
}

func NewRunner(controller *Controller, source FrameSource, interval time.Duration, sink FrameSink) *Runner {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Runner{controller: controller, source: source, interval: interval, sink: sink}
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick processes the latest frame, if any, and reports whether one was processed.
func (r *Runner) Tick(ctx context.Context) bool {
	frame, ok := r.source.Latest()
	if !ok || frame == nil {
		observability.CameraReadFailures.Inc()
		return false
	}

	annotated, results := r.controller.Process(ctx, frame)
	if r.sink != nil {
		r.sink(annotated, results)
	}
	return true
}
