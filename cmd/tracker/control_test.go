package main

import (
	"context"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffsho/AttendanceSystem/internal/gallery"
	"github.com/ffsho/AttendanceSystem/internal/models"
)

type countingReloader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingReloader) Reload(context.Context) (gallery.LoadReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return gallery.LoadReport{}, r.err
}

func (r *countingReloader) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type countingSession struct {
	mu     sync.Mutex
	resets int
}

func (s *countingSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

func (s *countingSession) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

func TestControlMergesQueuedCommands(t *testing.T) {
	reloader := &countingReloader{}
	session := &countingSession{}
	ctl := newControl(reloader, session)

	require.True(t, ctl.submit(models.GalleryCommand{Action: models.GalleryActionReload, Reason: "deleted"}))
	require.True(t, ctl.submit(models.GalleryCommand{Action: models.GalleryActionReset, Reason: "enrolled"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctl.run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return reloader.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, session.count(), "a queued reset is not lost when merged")

	cancel()
	<-done
	assert.Equal(t, 1, reloader.count())
}

func TestControlReloadFailureKeepsRunning(t *testing.T) {
	reloader := &countingReloader{err: errors.New("postgres down")}
	ctl := newControl(reloader, &countingSession{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctl.run(ctx)

	ctl.submit(models.GalleryCommand{Action: models.GalleryActionReload})
	require.Eventually(t, func() bool { return reloader.count() == 1 }, time.Second, 5*time.Millisecond)

	ctl.submit(models.GalleryCommand{Action: models.GalleryActionReload})
	require.Eventually(t, func() bool { return reloader.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestControlSubmitDoesNotBlock(t *testing.T) {
	ctl := newControl(&countingReloader{}, &countingSession{})
	for i := 0; i < cap(ctl.cmds); i++ {
		require.True(t, ctl.submit(models.GalleryCommand{Action: models.GalleryActionReload}))
	}
	assert.False(t, ctl.submit(models.GalleryCommand{Action: models.GalleryActionReload}))
}

func TestPreview(t *testing.T) {
	view := &preview{}

	w := httptest.NewRecorder()
	view.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/preview.jpg", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	view.sink(image.NewRGBA(image.Rect(0, 0, 8, 8)), nil)
	w = httptest.NewRecorder()
	view.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/preview.jpg", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0xFF, 0xD8}, w.Body.Bytes()[:2])
}
