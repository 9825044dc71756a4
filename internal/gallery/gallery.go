// Package gallery holds the in-memory set of enrolled face embeddings.
//
// A Gallery is immutable once built. Reloads construct a fresh Gallery and
// swap it into a Holder, so a match running against the previous snapshot
// never observes a partially rebuilt one.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/ffsho/AttendanceSystem/internal/models"
	"github.com/ffsho/AttendanceSystem/internal/observability"
)

// Sample is one stored embedding tagged with its owner.
type Sample struct {
	IdentityID int64
	Name       string
	SourceRef  string
	// Vector is L2-normalized, or all zeros if the source embedding had zero norm.
	Vector []float32
}

// SampleImage is a stored enrollment image handed out by a SampleProvider.
type SampleImage struct {
	Ref   string
	Image image.Image
}

// SampleProvider yields the stored sample images of one identity.
type SampleProvider interface {
	Samples(ctx context.Context, identity models.Identity) ([]SampleImage, error)
}

// Embedder turns a stored sample image into an embedding.
// It returns an error when no usable face is found.
type Embedder interface {
	Embed(img image.Image) ([]float32, error)
}

// LoadReport summarises a gallery build.
type LoadReport struct {
	IdentitiesScanned int
	SamplesEmbedded   int
	SamplesSkipped    int
	Warnings          []string
}

func (r *LoadReport) warn(msg string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(msg, args...))
}

type Gallery struct {
	samples    []Sample
	identities int
}

// Empty returns a gallery with no samples.
func Empty() *Gallery {
	return &Gallery{}
}

// New builds a gallery from raw samples, normalizing each vector.
// Mostly useful for tests and callers that already hold embeddings.
func New(samples []Sample) *Gallery {
	g := &Gallery{samples: make([]Sample, 0, len(samples))}
	seen := make(map[int64]struct{})
	for _, s := range samples {
		s.Vector = Normalize(s.Vector)
		g.samples = append(g.samples, s)
		seen[s.IdentityID] = struct{}{}
	}
	g.identities = len(seen)
	return g
}

// Samples returns every sample in insertion order. Callers must not modify it.
func (g *Gallery) Samples() []Sample {
	if g == nil {
		return nil
	}
	return g.samples
}

func (g *Gallery) Len() int {
	if g == nil {
		return 0
	}
	return len(g.samples)
}

// Identities is the number of distinct identities with at least one sample.
func (g *Gallery) Identities() int {
	if g == nil {
		return 0
	}
	return g.identities
}

// Load embeds every stored sample of every identity.
// Per-sample and per-identity failures are reported, not returned; only
// context cancellation aborts the build.
func Load(ctx context.Context, identities []models.Identity, provider SampleProvider, embedder Embedder) (*Gallery, LoadReport, error) {
	var report LoadReport
	var samples []Sample

	for _, identity := range identities {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		report.IdentitiesScanned++

		images, err := provider.Samples(ctx, identity)
		if err != nil {
			if ctx.Err() != nil {
				return nil, report, ctx.Err()
			}
			report.warn("identity %d: list samples: %v", identity.ID, err)
			slog.Warn("list identity samples", "identity_id", identity.ID, "error", err)
			continue
		}

		name := identity.DisplayName()
		for _, img := range images {
			if img.Image == nil {
				report.SamplesSkipped++
				report.warn("identity %d: sample %s: unreadable image", identity.ID, img.Ref)
				slog.Warn("skip unreadable sample", "identity_id", identity.ID, "ref", img.Ref)
				continue
			}
			vec, err := embedder.Embed(img.Image)
			if err != nil {
				report.SamplesSkipped++
				report.warn("identity %d: sample %s: %v", identity.ID, img.Ref, err)
				slog.Warn("skip sample without face", "identity_id", identity.ID, "ref", img.Ref, "error", err)
				continue
			}
			samples = append(samples, Sample{
				IdentityID: identity.ID,
				Name:       name,
				SourceRef:  img.Ref,
				Vector:     vec,
			})
			report.SamplesEmbedded++
		}
	}

	return New(samples), report, nil
}

// Normalize returns an L2-normalized copy of v. A zero vector stays zero.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		if len(v) > 0 {
			slog.Warn("zero-norm embedding", "dim", len(v))
		}
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Holder publishes the current gallery to concurrent readers.
type Holder struct {
	current atomic.Pointer[Gallery]
}

// NewHolder starts with an empty gallery.
func NewHolder() *Holder {
	h := &Holder{}
	h.current.Store(Empty())
	return h
}

// Current returns the active snapshot; it is never nil.
func (h *Holder) Current() *Gallery {
	return h.current.Load()
}

// Swap installs g and returns the previous snapshot.
func (h *Holder) Swap(g *Gallery) *Gallery {
	if g == nil {
		g = Empty()
	}
	return h.current.Swap(g)
}

// IdentityLister supplies the identities included in a rebuild.
type IdentityLister interface {
	ListIdentitiesByKind(ctx context.Context, kind models.Kind) ([]models.Identity, error)
}

// Reloader rebuilds the gallery wholesale and swaps it into a Holder.
type Reloader struct {
	mu       sync.Mutex
	holder   *Holder
	lister   IdentityLister
	provider SampleProvider
	embedder Embedder
	kind     atomic.Value // models.Kind
}

func NewReloader(holder *Holder, lister IdentityLister, provider SampleProvider, embedder Embedder, kind models.Kind) *Reloader {
	r := &Reloader{
		holder:   holder,
		lister:   lister,
		provider: provider,
		embedder: embedder,
	}
	r.kind.Store(kind)
	return r
}

// SetKind switches the identity kind used by subsequent reloads.
func (r *Reloader) SetKind(kind models.Kind) {
	r.kind.Store(kind)
}

// Kind returns the identity kind the gallery is built from.
func (r *Reloader) Kind() models.Kind {
	return r.kind.Load().(models.Kind)
}

// ErrReloadFailed wraps failures that left the previous gallery in place.
var ErrReloadFailed = errors.New("gallery reload failed")

// Reload builds a new gallery and swaps it in. On error the old gallery stays active.
func (r *Reloader) Reload(ctx context.Context) (LoadReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identities, err := r.lister.ListIdentitiesByKind(ctx, r.Kind())
	if err != nil {
		observability.GalleryReloads.WithLabelValues("error").Inc()
		return LoadReport{}, fmt.Errorf("%w: list identities: %w", ErrReloadFailed, err)
	}

	g, report, err := Load(ctx, identities, r.provider, r.embedder)
	if err != nil {
		observability.GalleryReloads.WithLabelValues("error").Inc()
		return report, fmt.Errorf("%w: %w", ErrReloadFailed, err)
	}

	r.holder.Swap(g)
	observability.GalleryReloads.WithLabelValues("ok").Inc()
	observability.GallerySamples.Set(float64(g.Len()))
	slog.Info("gallery reloaded",
		"kind", r.Kind(),
		"identities", report.IdentitiesScanned,
		"embedded", report.SamplesEmbedded,
		"skipped", report.SamplesSkipped,
	)
	return report, nil
}
