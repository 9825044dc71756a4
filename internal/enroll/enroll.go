// Package enroll registers a new identity together with its face samples.
// Registration is all-or-nothing: if the required number of samples cannot
// be collected the identity and everything stored for it is removed again.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/ffsho/AttendanceSystem/internal/config"
	"github.com/ffsho/AttendanceSystem/internal/models"
	"github.com/ffsho/AttendanceSystem/internal/storage"
	"github.com/ffsho/AttendanceSystem/internal/vision"
)

var (
	// ErrInsufficientSamples means the source ended or the frame budget ran
	// out before enough faces were captured.
	ErrInsufficientSamples = errors.New("insufficient face samples")
	// ErrSourceExhausted is returned by a FrameSource that has no more frames.
	ErrSourceExhausted = errors.New("frame source exhausted")
)

const sampleQuality = 95

// FrameSource yields frames for capture. Any error other than
// ErrSourceExhausted or a context error skips the frame.
type FrameSource interface {
	Next(ctx context.Context) (image.Image, error)
}

type IdentityStore interface {
	CreateIdentity(ctx context.Context, in models.NewIdentity) (*models.Identity, error)
	DeleteIdentity(ctx context.Context, id int64) error
	AddSample(ctx context.Context, identityID int64, sourceKey string, embedding []float32) (*models.FaceSample, error)
	AppendEvent(ctx context.Context, identityID int64, ts time.Time) (*models.AttendanceEvent, error)
}

type ObjectStore interface {
	PutSample(ctx context.Context, key string, jpegData []byte) error
	DeleteSamples(ctx context.Context, kind models.Kind, identityID int64) error
}

type FaceFinder interface {
	BestFace(img image.Image) (image.Image, vision.Detection, error)
}

// GalleryNotifier tells running trackers that the gallery changed.
type GalleryNotifier interface {
	PublishGalleryCommand(ctx context.Context, cmd models.GalleryCommand) error
}

// Progress is reported after every stored sample.
type Progress func(captured, required int)

type Result struct {
	Identity *models.Identity
	Samples  int
	// Event is the attendance event written on completion; nil if that write failed.
	Event *models.AttendanceEvent
}

type Service struct {
	store     IdentityStore
	objects   ObjectStore
	faces     FaceFinder
	embedder  vision.FaceEmbedder
	notifier  GalleryNotifier
	progress  Progress
	now       func() time.Time
	samples   int
	maxFrames int
}

type Option func(*Service)

func WithNotifier(n GalleryNotifier) Option { return func(s *Service) { s.notifier = n } }

func WithProgress(p Progress) Option { return func(s *Service) { s.progress = p } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store IdentityStore, objects ObjectStore, faces FaceFinder, embedder vision.FaceEmbedder, cfg config.EnrollmentConfig, opts ...Option) *Service {
	s := &Service{
		store:     store,
		objects:   objects,
		faces:     faces,
		embedder:  embedder,
		now:       time.Now,
		samples:   cfg.Samples,
		maxFrames: cfg.MaxFrames,
	}
	if s.samples <= 0 {
		s.samples = 10
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enroll creates the identity and captures the configured number of samples
// from src. Cancelling ctx aborts the registration.
func (s *Service) Enroll(ctx context.Context, in models.NewIdentity, src FrameSource) (*Result, error) {
	return s.enroll(ctx, in, src, s.samples)
}

// EnrollImages registers an identity from uploaded photos. Every photo up to
// the configured sample count must contain a face.
func (s *Service) EnrollImages(ctx context.Context, in models.NewIdentity, images []image.Image) (*Result, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no images", ErrInsufficientSamples)
	}
	required := min(len(images), s.samples)
	return s.enroll(ctx, in, &sliceSource{images: images}, required)
}

func (s *Service) enroll(ctx context.Context, in models.NewIdentity, src FrameSource, required int) (*Result, error) {
	identity, err := s.store.CreateIdentity(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}
	log := slog.With("identity_id", identity.ID, "name", identity.DisplayName())

	captured, err := s.capture(ctx, identity, src, required)
	if err != nil {
		s.rollback(ctx, identity)
		log.Warn("enrollment aborted", "captured", captured, "required", required, "error", err)
		return nil, err
	}

	res := &Result{Identity: identity, Samples: captured}
	ev, err := s.store.AppendEvent(ctx, identity.ID, s.now())
	if err != nil {
		log.Warn("record enrollment attendance", "error", err)
	} else {
		res.Event = ev
	}

	if s.notifier != nil {
		cmd := models.GalleryCommand{
			Action:     models.GalleryActionReset,
			Reason:     "enrolled",
			IdentityID: identity.ID,
		}
		if err := s.notifier.PublishGalleryCommand(ctx, cmd); err != nil {
			log.Warn("publish gallery reload", "error", err)
		}
	}

	log.Info("identity enrolled", "samples", captured)
	return res, nil
}

func (s *Service) capture(ctx context.Context, identity *models.Identity, src FrameSource, required int) (int, error) {
	captured, frames := 0, 0
	for captured < required {
		if err := ctx.Err(); err != nil {
			return captured, err
		}
		if s.maxFrames > 0 && frames >= s.maxFrames {
			return captured, fmt.Errorf("%w: %d of %d after %d frames", ErrInsufficientSamples, captured, required, frames)
		}
		frames++

		img, err := src.Next(ctx)
		switch {
		case errors.Is(err, ErrSourceExhausted):
			return captured, fmt.Errorf("%w: %d of %d", ErrInsufficientSamples, captured, required)
		case ctx.Err() != nil:
			return captured, ctx.Err()
		case err != nil:
			slog.Debug("enrollment frame skipped", "error", err)
			continue
		}

		ok, err := s.storeSample(ctx, identity, img, captured)
		if err != nil {
			return captured, err
		}
		if !ok {
			continue
		}
		captured++
		if s.progress != nil {
			s.progress(captured, required)
		}
	}
	return captured, nil
}

// storeSample keeps the best face of img as sample i. It reports false when
// the frame holds no usable face.
func (s *Service) storeSample(ctx context.Context, identity *models.Identity, img image.Image, i int) (bool, error) {
	crop, _, err := s.faces.BestFace(img)
	if err != nil {
		slog.Debug("no face in enrollment frame", "error", err)
		return false, nil
	}
	embedding, err := s.embedder.Embed(crop)
	if err != nil {
		slog.Debug("embed enrollment face", "error", err)
		return false, nil
	}
	data, err := vision.EncodeJPEG(crop, sampleQuality)
	if err != nil {
		return false, fmt.Errorf("encode sample: %w", err)
	}

	key := storage.SampleKey(identity.Kind(), identity.ID, i)
	if err := s.objects.PutSample(ctx, key, data); err != nil {
		return false, fmt.Errorf("store sample image: %w", err)
	}
	if _, err := s.store.AddSample(ctx, identity.ID, key, embedding); err != nil {
		return false, fmt.Errorf("store sample: %w", err)
	}
	return true, nil
}

// rollback removes everything stored for a failed registration. It runs
// even when ctx is already cancelled.
func (s *Service) rollback(ctx context.Context, identity *models.Identity) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := s.objects.DeleteSamples(cleanupCtx, identity.Kind(), identity.ID); err != nil {
		slog.Error("rollback sample images", "identity_id", identity.ID, "error", err)
	}
	if err := s.store.DeleteIdentity(cleanupCtx, identity.ID); err != nil {
		slog.Error("rollback identity", "identity_id", identity.ID, "error", err)
	}
}

type sliceSource struct {
	images []image.Image
	pos    int
}

func (s *sliceSource) Next(context.Context) (image.Image, error) {
	if s.pos >= len(s.images) {
		return nil, ErrSourceExhausted
	}
	img := s.images[s.pos]
	s.pos++
	return img, nil
}
