// Package matcher finds the best gallery match for a face embedding.
package matcher

import (
	"log/slog"

	"github.com/ffsho/AttendanceSystem/internal/gallery"
)

// DefaultThreshold is the minimum cosine similarity accepted as a match.
const DefaultThreshold = 0.5

type Kind int

const (
	NoMatch Kind = iota
	Match
)

func (k Kind) String() string {
	if k == Match {
		return "match"
	}
	return "no_match"
}

// Result is the outcome of one query. For NoMatch, IdentityID is 0, Name is
// empty and Score is the best similarity seen (0 for an empty gallery).
type Result struct {
	Kind       Kind
	IdentityID int64
	Name       string
	Score      float64
}

func (r Result) Matched() bool { return r.Kind == Match }

// Matcher is immutable; build a new one to change the threshold.
type Matcher struct {
	threshold float64
}

func New(threshold float64) *Matcher {
	return &Matcher{threshold: threshold}
}

func (m *Matcher) Threshold() float64 { return m.threshold }

// Match compares query against every sample of g. Ties keep the first
// sample in gallery order.
func (m *Matcher) Match(g *gallery.Gallery, query []float32) Result {
	samples := g.Samples()
	if len(samples) == 0 {
		return Result{Kind: NoMatch}
	}

	q := gallery.Normalize(query)
	if isZero(q) {
		slog.Warn("match query has zero norm", "dim", len(query))
		return Result{Kind: NoMatch}
	}

	best := -1
	var bestScore float64
	for i, s := range samples {
		score := dot(q, s.Vector)
		if best < 0 || score > bestScore {
			best = i
			bestScore = score
		}
	}

	if bestScore >= m.threshold {
		s := samples[best]
		return Result{Kind: Match, IdentityID: s.IdentityID, Name: s.Name, Score: bestScore}
	}
	return Result{Kind: NoMatch, Score: bestScore}
}

// dot returns 0 when the dimensions differ.
func dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
