package main

import (
	"context"
	"image"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/ffsho/AttendanceSystem/internal/gallery"
	"github.com/ffsho/AttendanceSystem/internal/models"
	"github.com/ffsho/AttendanceSystem/internal/vision"
)

type galleryReloader interface {
	Reload(ctx context.Context) (gallery.LoadReport, error)
}

type sessionResetter interface {
	Reset()
}

// control applies gallery commands one at a time, merging commands that
// queue up while a reload is running.
type control struct {
	cmds     chan models.GalleryCommand
	reloader galleryReloader
	session  sessionResetter
}

func newControl(reloader galleryReloader, session sessionResetter) *control {
	return &control{
		cmds:     make(chan models.GalleryCommand, 16),
		reloader: reloader,
		session:  session,
	}
}

// submit queues cmd without blocking the NATS callback.
func (c *control) submit(cmd models.GalleryCommand) bool {
	select {
	case c.cmds <- cmd:
		return true
	default:
		slog.Warn("gallery command dropped, queue full", "action", cmd.Action)
		return false
	}
}

func (c *control) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmds:
			reset := cmd.Action == models.GalleryActionReset
		drain:
			for {
				select {
				case next := <-c.cmds:
					reset = reset || next.Action == models.GalleryActionReset
				default:
					break drain
				}
			}
			c.apply(ctx, reset, cmd.Reason)
		}
	}
}

func (c *control) apply(ctx context.Context, reset bool, reason string) {
	if reset {
		c.session.Reset()
	}
	if _, err := c.reloader.Reload(ctx); err != nil {
		slog.Error("gallery reload", "reason", reason, "error", err)
		return
	}
	slog.Debug("gallery command applied", "reason", reason, "reset", reset)
}

// preview serves the most recent annotated frame as JPEG.
type preview struct {
	frame atomic.Pointer[image.RGBA]
}

func (p *preview) sink(frame *image.RGBA, _ []vision.RecognitionResult) {
	p.frame.Store(frame)
}

func (p *preview) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	frame := p.frame.Load()
	if frame == nil {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	data, err := vision.EncodeJPEG(frame, 80)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}
