package attendance_test

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/ffsho/AttendanceSystem/internal/attendance"
)

func TestDayBounds(t *testing.T) {
	Convey("Given a configured zone", t, func() {
		yekt := mustLoad("Asia/Yekaterinburg")

		Convey("When the instant falls late in UTC", func() {
			at := time.Date(2024, 5, 10, 21, 0, 0, 0, time.UTC)
			start, end := attendance.DayBounds(at, yekt)

			Convey("Then the bounds follow the local date", func() {
				So(start.Equal(time.Date(2024, 5, 11, 0, 0, 0, 0, yekt)), ShouldBeTrue)
				So(end.Sub(start), ShouldEqual, 24*time.Hour)
			})
		})

		Convey("When the day has a DST transition", func() {
			berlin := mustLoad("Europe/Berlin")
			start, end := attendance.DayBounds(time.Date(2024, 3, 31, 12, 0, 0, 0, berlin), berlin)

			Convey("Then it is 23 hours long", func() {
				So(end.Sub(start), ShouldEqual, 23*time.Hour)
			})
		})
	})
}

func TestRecentWindow(t *testing.T) {
	Convey("Given a 30 day window", t, func() {
		now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
		from, to := attendance.RecentWindow(now, 30, time.UTC)

		So(from.Equal(time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)), ShouldBeTrue)
		So(to.Equal(time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)), ShouldBeTrue)
	})

	Convey("Given a non-positive window", t, func() {
		now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
		from, to := attendance.RecentWindow(now, 0, time.UTC)

		So(to.Sub(from), ShouldEqual, 24*time.Hour)
	})
}

func TestParsePartialDate(t *testing.T) {
	Convey("Given partial date inputs", t, func() {
		Convey("Day only", func() {
			p, err := attendance.ParsePartialDate("5")
			So(err, ShouldBeNil)
			So(p, ShouldResemble, attendance.DatePattern{Day: 5})
		})

		Convey("Day and month", func() {
			p, err := attendance.ParsePartialDate("05.09")
			So(err, ShouldBeNil)
			So(p, ShouldResemble, attendance.DatePattern{Day: 5, Month: 9})
		})

		Convey("Full date", func() {
			p, err := attendance.ParsePartialDate(" 31.12.2023 ")
			So(err, ShouldBeNil)
			So(p, ShouldResemble, attendance.DatePattern{Day: 31, Month: 12, Year: 2023})
		})

		Convey("Invalid inputs", func() {
			for _, in := range []string{"", "32", "1.13", "1.2.24", "a.b", "1.2.2024.5", "0"} {
				_, err := attendance.ParsePartialDate(in)
				So(err, ShouldNotBeNil)
			}
		})
	})
}

func TestDatePatternMatches(t *testing.T) {
	Convey("Given a day-month pattern", t, func() {
		yekt := mustLoad("Asia/Yekaterinburg")
		p := attendance.DatePattern{Day: 11, Month: 5}

		So(p.Matches(time.Date(2024, 5, 10, 21, 0, 0, 0, time.UTC), yekt), ShouldBeTrue)
		So(p.Matches(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC), yekt), ShouldBeFalse)
		So(p.Matches(time.Date(2019, 5, 11, 12, 0, 0, 0, yekt), yekt), ShouldBeTrue)
	})
}
