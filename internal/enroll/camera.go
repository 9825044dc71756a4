package enroll

import (
	"context"
	"image"
	"time"

	"github.com/ffsho/AttendanceSystem/internal/capture"
)

// CameraSource adapts a running capture.Camera. A timeout without a new
// frame is reported as capture.ErrNoFrame, which Enroll skips.
type CameraSource struct {
	Camera  *capture.Camera
	Timeout time.Duration
}

func (c CameraSource) Next(ctx context.Context) (image.Image, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return c.Camera.Next(ctx, timeout)
}
