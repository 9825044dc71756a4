package attendance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/ffsho/AttendanceSystem/internal/attendance"
	"github.com/ffsho/AttendanceSystem/internal/models"
)

type memStore struct {
	mu       sync.Mutex
	events   []models.AttendanceEvent
	reads    int
	readErr  error
	writeErr error
}

func (s *memStore) HasEventBetween(_ context.Context, id int64, from, to time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.readErr != nil {
		return false, s.readErr
	}
	for _, ev := range s.events {
		if ev.IdentityID == id && !ev.Timestamp.Before(from) && ev.Timestamp.Before(to) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) AppendEvent(_ context.Context, id int64, ts time.Time) (*models.AttendanceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return nil, s.writeErr
	}
	ev := models.AttendanceEvent{ID: int64(len(s.events) + 1), IdentityID: id, Timestamp: ts}
	s.events = append(s.events, ev)
	return &ev, nil
}

func (s *memStore) count(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.IdentityID == id {
			n++
		}
	}
	return n
}

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func TestDeduplicator(t *testing.T) {
	ctx := context.Background()
	yekt := mustLoad("Asia/Yekaterinburg")
	base := time.Date(2024, 9, 2, 9, 0, 0, 0, yekt)

	Convey("Given a deduplicator over an empty store", t, func() {
		store := &memStore{}
		d := attendance.NewDeduplicator(store, yekt)

		Convey("When an identity is recognized for the first time", func() {
			outcome, ev, err := d.OnRecognized(ctx, 1, base)

			Convey("Then an event is recorded and cached", func() {
				So(err, ShouldBeNil)
				So(outcome, ShouldEqual, attendance.Recorded)
				So(ev, ShouldNotBeNil)
				So(ev.IdentityID, ShouldEqual, int64(1))
				So(store.count(1), ShouldEqual, 1)

				last, ok := d.LastDetected()
				So(ok, ShouldBeTrue)
				So(last, ShouldEqual, int64(1))
			})
		})

		Convey("When the same identity repeats on consecutive frames", func() {
			d.OnRecognized(ctx, 1, base)
			reads := store.reads
			outcome, ev, err := d.OnRecognized(ctx, 1, base.Add(time.Second))

			Convey("Then the store is not consulted", func() {
				So(err, ShouldBeNil)
				So(ev, ShouldBeNil)
				So(outcome, ShouldEqual, attendance.SkippedSameAsLastFrame)
				So(store.reads, ShouldEqual, reads)
				So(store.count(1), ShouldEqual, 1)
			})
		})

		Convey("When a different identity interleaves on the same day", func() {
			So(first(d.OnRecognized(ctx, 1, base)), ShouldEqual, attendance.Recorded)
			So(first(d.OnRecognized(ctx, 2, base.Add(time.Minute))), ShouldEqual, attendance.Recorded)
			outcome, _, err := d.OnRecognized(ctx, 1, base.Add(2*time.Minute))

			Convey("Then the first identity is skipped as already seen today", func() {
				So(err, ShouldBeNil)
				So(outcome, ShouldEqual, attendance.SkippedAlreadyToday)
				So(store.count(1), ShouldEqual, 1)
			})

			Convey("And the cache keeps the identity that last wrote", func() {
				last, _ := d.LastDetected()
				So(last, ShouldEqual, int64(2))
			})
		})

		Convey("When an identity already has an event from an earlier session", func() {
			store.events = append(store.events, models.AttendanceEvent{ID: 99, IdentityID: 5, Timestamp: base.Add(-time.Hour)})
			outcome, _, err := d.OnRecognized(ctx, 5, base)

			Convey("Then it is skipped and the cache is left alone", func() {
				So(err, ShouldBeNil)
				So(outcome, ShouldEqual, attendance.SkippedAlreadyToday)
				_, ok := d.LastDetected()
				So(ok, ShouldBeFalse)
			})
		})

		Convey("When the last event was at 23:59:59 and the check is at 00:00:01", func() {
			late := time.Date(2024, 9, 2, 23, 59, 59, 0, yekt)
			So(first(d.OnRecognized(ctx, 1, late)), ShouldEqual, attendance.Recorded)
			d.Reset()
			outcome, _, err := d.OnRecognized(ctx, 1, late.Add(2*time.Second))

			Convey("Then a new event is recorded for the next day", func() {
				So(err, ShouldBeNil)
				So(outcome, ShouldEqual, attendance.Recorded)
				So(store.count(1), ShouldEqual, 2)
			})
		})

		Convey("When the host clock runs in a different zone", func() {
			// Same UTC date, but 23:30 and 01:30 of different days in Yekaterinburg.
			evening := time.Date(2024, 9, 2, 18, 30, 0, 0, time.UTC)
			later := time.Date(2024, 9, 2, 20, 30, 0, 0, time.UTC)
			So(first(d.OnRecognized(ctx, 1, evening)), ShouldEqual, attendance.Recorded)
			d.Reset()
			outcome, _, _ := d.OnRecognized(ctx, 1, later)

			Convey("Then the configured zone decides the day", func() {
				So(outcome, ShouldEqual, attendance.Recorded)
				So(store.count(1), ShouldEqual, 2)
			})
		})

		Convey("When the store write fails", func() {
			store.writeErr = errors.New("disk full")
			outcome, ev, err := d.OnRecognized(ctx, 3, base)

			Convey("Then the attempt is reported with a distinct error", func() {
				So(outcome, ShouldEqual, attendance.Recorded)
				So(ev, ShouldBeNil)
				So(errors.Is(err, attendance.ErrRecordFailed), ShouldBeTrue)
				_, ok := d.LastDetected()
				So(ok, ShouldBeFalse)
			})

			Convey("And the next frame retries the write", func() {
				store.writeErr = nil
				outcome, _, err := d.OnRecognized(ctx, 3, base.Add(100*time.Millisecond))
				So(err, ShouldBeNil)
				So(outcome, ShouldEqual, attendance.Recorded)
				So(store.count(3), ShouldEqual, 1)
			})
		})

		Convey("When the store lookup fails", func() {
			store.readErr = errors.New("connection reset")
			outcome, _, err := d.OnRecognized(ctx, 4, base)

			Convey("Then no decision is made and nothing is written", func() {
				So(outcome, ShouldEqual, attendance.None)
				So(errors.Is(err, attendance.ErrLookupFailed), ShouldBeTrue)
				So(store.count(4), ShouldEqual, 0)
			})
		})

		Convey("When the cache is reset", func() {
			d.OnRecognized(ctx, 1, base)
			d.Reset()
			outcome, _, _ := d.OnRecognized(ctx, 1, base.Add(time.Second))

			Convey("Then the store answers instead", func() {
				So(outcome, ShouldEqual, attendance.SkippedAlreadyToday)
			})
		})
	})
}

func TestEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	loc := mustLoad("Europe/Berlin")
	start := time.Date(2024, 3, 4, 8, 0, 0, 0, loc)

	Convey("Given A and B recognized in sequence", t, func() {
		store := &memStore{}
		d := attendance.NewDeduplicator(store, loc)

		a1, _, _ := d.OnRecognized(ctx, 1, start)
		a2, _, _ := d.OnRecognized(ctx, 1, start.Add(time.Second))
		b1, _, _ := d.OnRecognized(ctx, 2, start.Add(2*time.Second))
		a3, _, _ := d.OnRecognized(ctx, 1, start.Add(3*time.Second))

		Convey("Then outcomes follow the cache and day rules", func() {
			So(a1, ShouldEqual, attendance.Recorded)
			So(a2, ShouldEqual, attendance.SkippedSameAsLastFrame)
			So(b1, ShouldEqual, attendance.Recorded)
			So(a3, ShouldEqual, attendance.SkippedAlreadyToday)
			So(len(store.events), ShouldEqual, 2)
		})
	})
}

func TestConcurrentRecognition(t *testing.T) {
	ctx := context.Background()

	Convey("Given many goroutines recognizing the same identity", t, func() {
		store := &memStore{}
		d := attendance.NewDeduplicator(store, time.UTC)
		now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.OnRecognized(ctx, 7, now)
			}()
		}
		wg.Wait()

		Convey("Then exactly one event is written", func() {
			So(store.count(7), ShouldEqual, 1)
		})
	})
}

// lockedStore re-checks the day inside AppendIfAbsent. Its plain read
// always misses, standing in for a second writer that committed between
// the check and the append.
type lockedStore struct {
	*memStore
}

func (s lockedStore) HasEventBetween(context.Context, int64, time.Time, time.Time) (bool, error) {
	return false, nil
}

func (s lockedStore) AppendIfAbsent(_ context.Context, id int64, from, to, ts time.Time) (*models.AttendanceEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return nil, false, s.writeErr
	}
	for _, ev := range s.events {
		if ev.IdentityID == id && !ev.Timestamp.Before(from) && ev.Timestamp.Before(to) {
			return nil, false, nil
		}
	}
	ev := models.AttendanceEvent{ID: int64(len(s.events) + 1), IdentityID: id, Timestamp: ts}
	s.events = append(s.events, ev)
	return &ev, true, nil
}

func TestSharedStoreAcrossTrackers(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 6, 8, 30, 0, 0, time.UTC)

	Convey("Given two deduplicators over one conditional store", t, func() {
		store := lockedStore{&memStore{}}
		entrance := attendance.NewDeduplicator(store, time.UTC)
		lobby := attendance.NewDeduplicator(store, time.UTC)

		first, ev, err := entrance.OnRecognized(ctx, 4, now)
		So(err, ShouldBeNil)
		So(first, ShouldEqual, attendance.Recorded)
		So(ev, ShouldNotBeNil)

		Convey("When the second one passes its read check for the same identity", func() {
			outcome, ev, err := lobby.OnRecognized(ctx, 4, now.Add(time.Minute))

			Convey("Then the atomic append skips it as already seen today", func() {
				So(err, ShouldBeNil)
				So(outcome, ShouldEqual, attendance.SkippedAlreadyToday)
				So(ev, ShouldBeNil)
				So(store.count(4), ShouldEqual, 1)
				_, cached := lobby.LastDetected()
				So(cached, ShouldBeFalse)
			})
		})

		Convey("When the atomic append fails", func() {
			store.writeErr = errors.New("connection reset")
			outcome, _, err := lobby.OnRecognized(ctx, 5, now)

			Convey("Then it is reported as a failed write", func() {
				So(outcome, ShouldEqual, attendance.Recorded)
				So(errors.Is(err, attendance.ErrRecordFailed), ShouldBeTrue)
			})
		})
	})
}

func TestOutcomeString(t *testing.T) {
	Convey("Outcomes have stable metric labels", t, func() {
		So(attendance.Recorded.String(), ShouldEqual, "recorded")
		So(attendance.SkippedAlreadyToday.String(), ShouldEqual, "skipped_already_today")
		So(attendance.SkippedSameAsLastFrame.String(), ShouldEqual, "skipped_same_as_last_frame")
		So(attendance.None.String(), ShouldEqual, "none")
	})
}

func first(o attendance.Outcome, _ *models.AttendanceEvent, _ error) attendance.Outcome {
	return o
}
