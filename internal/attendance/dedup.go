// Package attendance decides when a recognized identity earns a new
// attendance event.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffsho/AttendanceSystem/internal/models"
	"github.com/ffsho/AttendanceSystem/internal/observability"
)

type Outcome int

const (
	// None means no decision was reached, for example because the store lookup failed.
	None Outcome = iota
	Recorded
	SkippedAlreadyToday
	SkippedSameAsLastFrame
)

func (o Outcome) String() string {
	switch o {
	case Recorded:
		return "recorded"
	case SkippedAlreadyToday:
		return "skipped_already_today"
	case SkippedSameAsLastFrame:
		return "skipped_same_as_last_frame"
	default:
		return "none"
	}
}

var (
	ErrRecordFailed = errors.New("attendance write failed")
	ErrLookupFailed = errors.New("attendance lookup failed")
)

// Store is the persisted attendance log as seen by the Deduplicator.
type Store interface {
	HasEventBetween(ctx context.Context, identityID int64, from, to time.Time) (bool, error)
	AppendEvent(ctx context.Context, identityID int64, ts time.Time) (*models.AttendanceEvent, error)
}

// ConditionalStore is implemented by stores that can re-check the day and
// append atomically. Several trackers sharing one store then cannot record
// the same identity twice on one day.
type ConditionalStore interface {
	AppendIfAbsent(ctx context.Context, identityID int64, from, to, ts time.Time) (*models.AttendanceEvent, bool, error)
}

// Deduplicator allows at most one new event per identity per local day.
// One instance belongs to one pipeline session.
type Deduplicator struct {
	store Store
	loc   *time.Location

	mu sync.Mutex
	// last is the identity that most recently caused a write, valid when hasLast.
	last    int64
	hasLast bool
}

func NewDeduplicator(store Store, loc *time.Location) *Deduplicator {
	if loc == nil {
		loc = time.UTC
	}
	return &Deduplicator{store: store, loc: loc}
}

func (d *Deduplicator) Location() *time.Location { return d.loc }

// OnRecognized is called for every matched face. The returned event is
// non-nil only when a new record was written.
func (d *Deduplicator) OnRecognized(ctx context.Context, identityID int64, now time.Time) (Outcome, *models.AttendanceEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hasLast && d.last == identityID {
		observability.AttendanceOutcomes.WithLabelValues(SkippedSameAsLastFrame.String()).Inc()
		return SkippedSameAsLastFrame, nil, nil
	}

	from, to := DayBounds(now, d.loc)
	seen, err := d.store.HasEventBetween(ctx, identityID, from, to)
	if err != nil {
		observability.AttendanceOutcomes.WithLabelValues("lookup_error").Inc()
		return None, nil, fmt.Errorf("%w: identity %d: %w", ErrLookupFailed, identityID, err)
	}
	if seen {
		observability.AttendanceOutcomes.WithLabelValues(SkippedAlreadyToday.String()).Inc()
		return SkippedAlreadyToday, nil, nil
	}

	ev, err := d.append(ctx, identityID, from, to, now)
	if err != nil {
		observability.AttendanceOutcomes.WithLabelValues("write_error").Inc()
		return Recorded, nil, fmt.Errorf("%w: identity %d: %w", ErrRecordFailed, identityID, err)
	}
	if ev == nil {
		// Another writer recorded the identity between the check and the append.
		observability.AttendanceOutcomes.WithLabelValues(SkippedAlreadyToday.String()).Inc()
		return SkippedAlreadyToday, nil, nil
	}

	d.last = identityID
	d.hasLast = true
	observability.AttendanceOutcomes.WithLabelValues(Recorded.String()).Inc()
	slog.Info("attendance recorded", "identity_id", identityID, "at", now.In(d.loc).Format(time.RFC3339))
	return Recorded, ev, nil
}

func (d *Deduplicator) append(ctx context.Context, identityID int64, from, to, now time.Time) (*models.AttendanceEvent, error) {
	if cs, ok := d.store.(ConditionalStore); ok {
		ev, _, err := cs.AppendIfAbsent(ctx, identityID, from, to, now)
		return ev, err
	}
	return d.store.AppendEvent(ctx, identityID, now)
}

// Reset forgets the last-detected identity.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	d.last = 0
	d.hasLast = false
	d.mu.Unlock()
}

// LastDetected returns the cached identity, if any.
func (d *Deduplicator) LastDetected() (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.hasLast
}
