package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ffsho/AttendanceSystem/internal/attendance"
	"github.com/ffsho/AttendanceSystem/internal/config"
	"github.com/ffsho/AttendanceSystem/internal/gallery"
	"github.com/ffsho/AttendanceSystem/internal/matcher"
	"github.com/ffsho/AttendanceSystem/internal/models"
	"github.com/ffsho/AttendanceSystem/internal/observability"
)

// ErrRecognizePanic wraps a panic raised while processing a single face.
var ErrRecognizePanic = errors.New("face recognition panicked")

// RecognitionResult describes one processed face of a frame.
type RecognitionResult struct {
	Detection Detection
	Match     matcher.Result
	// Outcome is attendance.None for NoMatch faces.
	Outcome attendance.Outcome
	// Err is a per-face failure (embed or store). The face is still reported.
	Err error
}

// Notifier receives events that were newly written by the Deduplicator.
type Notifier interface {
	PublishAttendance(ctx context.Context, ev models.RecordedEvent) error
}

// Controller runs detect, embed, match, dedup and annotate for each frame.
// Its only cross-frame state is the gallery holder, the current matcher and
// the session's Deduplicator.
type Controller struct {
	detector FaceDetector
	embedder FaceEmbedder
	gallery  *gallery.Holder
	dedup    *attendance.Deduplicator
	notifier Notifier
	now      func() time.Time

	matcher  atomic.Pointer[matcher.Matcher]
	maxFaces atomic.Int32
}

type ControllerOption func(*Controller)

// WithNotifier forwards recorded events, for example to NATS.
func WithNotifier(n Notifier) ControllerOption {
	return func(c *Controller) { c.notifier = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

func NewController(
	detector FaceDetector,
	embedder FaceEmbedder,
	holder *gallery.Holder,
	dedup *attendance.Deduplicator,
	threshold float64,
	maxFaces int,
	opts ...ControllerOption,
) *Controller {
	c := &Controller{
		detector: detector,
		embedder: embedder,
		gallery:  holder,
		dedup:    dedup,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Reconfigure(threshold, maxFaces)
	return c
}

// Reconfigure installs a new matcher and face cap. Frames already in
// Process finish with the previous values.
func (c *Controller) Reconfigure(threshold float64, maxFaces int) {
	if maxFaces < config.MinMaxFaces {
		maxFaces = config.MinMaxFaces
	}
	if maxFaces > config.MaxMaxFaces {
		maxFaces = config.MaxMaxFaces
	}
	c.matcher.Store(matcher.New(threshold))
	c.maxFaces.Store(int32(maxFaces))
	slog.Info("pipeline configured", "threshold", threshold, "max_faces", maxFaces)
}

// Threshold reports the active similarity threshold.
func (c *Controller) Threshold() float64 { return c.matcher.Load().Threshold() }

// MaxFaces reports the active per-frame face cap.
func (c *Controller) MaxFaces() int { return int(c.maxFaces.Load()) }

// Session exposes the Deduplicator so callers can reset its cache.
func (c *Controller) Session() *attendance.Deduplicator { return c.dedup }

// Process handles one frame. It never fails: detector errors yield the
// frame unannotated with no results, per-face errors become NoMatch.
func (c *Controller) Process(ctx context.Context, frame image.Image) (*image.RGBA, []RecognitionResult) {
	out := CloneRGBA(frame)
	observability.FramesProcessed.Inc()

	start := time.Now()
	detections, err := c.detector.Detect(frame)
	observability.InferenceDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Warn("detect faces", "error", err)
		return out, nil
	}

	if limit := c.MaxFaces(); len(detections) > limit {
		detections = detections[:limit]
	}
	if len(detections) == 0 {
		return out, nil
	}
	observability.FacesDetected.Add(float64(len(detections)))

	g := c.gallery.Current()
	m := c.matcher.Load()
	origin := frame.Bounds().Min

	results := make([]RecognitionResult, 0, len(detections))
	for _, det := range detections {
		res := c.recognize(ctx, frame, det, g, m)
		results = append(results, res)
		Annotate(out, det.Rect().Sub(origin), res.Match)
	}
	return out, results
}

func (c *Controller) recognize(ctx context.Context, frame image.Image, det Detection, g *gallery.Gallery, m *matcher.Matcher) (res RecognitionResult) {
	res = RecognitionResult{Detection: det, Match: matcher.Result{Kind: matcher.NoMatch}}

	// A panicking model or store must not take down the frame loop.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recognize face panicked", "panic", r)
			res = RecognitionResult{
				Detection: det,
				Match:     matcher.Result{Kind: matcher.NoMatch},
				Err:       fmt.Errorf("%w: %v", ErrRecognizePanic, r),
			}
			observability.MatchResults.WithLabelValues(matcher.NoMatch.String()).Inc()
		}
	}()

	crop := CropFace(frame, det.BBox)
	if crop == nil {
		res.Err = ErrNoFace
		observability.MatchResults.WithLabelValues(matcher.NoMatch.String()).Inc()
		return res
	}

	start := time.Now()
	embedding, err := c.embedder.Embed(crop)
	observability.InferenceDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Warn("embed face", "error", err)
		res.Err = err
		observability.MatchResults.WithLabelValues(matcher.NoMatch.String()).Inc()
		return res
	}

	res.Match = m.Match(g, embedding)
	observability.MatchResults.WithLabelValues(res.Match.Kind.String()).Inc()
	if !res.Match.Matched() {
		return res
	}

	now := c.now()
	outcome, ev, err := c.dedup.OnRecognized(ctx, res.Match.IdentityID, now)
	res.Outcome = outcome
	if err != nil {
		slog.Error("record attendance", "identity_id", res.Match.IdentityID, "error", err)
		res.Err = err
		return res
	}
	if ev != nil && c.notifier != nil {
		c.notify(ctx, res.Match, ev)
	}
	return res
}

func (c *Controller) notify(ctx context.Context, match matcher.Result, ev *models.AttendanceEvent) {
	msg := models.RecordedEvent{
		EventID:    uuid.NewString(),
		IdentityID: match.IdentityID,
		Name:       match.Name,
		Score:      match.Score,
		Timestamp:  ev.Timestamp,
	}
	if err := c.notifier.PublishAttendance(ctx, msg); err != nil {
		slog.Warn("publish attendance", "identity_id", match.IdentityID, "error", err)
	}
}
