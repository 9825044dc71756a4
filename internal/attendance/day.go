package attendance

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LocalDay returns midnight of t's calendar date in loc.
func LocalDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// DayBounds returns [start, end) of t's calendar date in loc. DST days are
// not assumed to be 24 hours long.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	start := LocalDay(t, loc)
	end := time.Date(start.Year(), start.Month(), start.Day()+1, 0, 0, 0, 0, loc)
	return start, end
}

// Window returns [start of from's day, start of the day after to) in loc.
func Window(from, to time.Time, loc *time.Location) (time.Time, time.Time) {
	start, _ := DayBounds(from, loc)
	_, end := DayBounds(to, loc)
	return start, end
}

// RecentWindow covers the last days calendar days including today.
func RecentWindow(now time.Time, days int, loc *time.Location) (time.Time, time.Time) {
	if days < 1 {
		days = 1
	}
	today := LocalDay(now, loc)
	from := time.Date(today.Year(), today.Month(), today.Day()-(days-1), 0, 0, 0, 0, loc)
	return Window(from, now, loc)
}

// DatePattern matches local calendar dates by component. Zero fields match anything.
type DatePattern struct {
	Day   int
	Month int
	Year  int
}

func (p DatePattern) Matches(t time.Time, loc *time.Location) bool {
	local := t.In(loc)
	if p.Day != 0 && local.Day() != p.Day {
		return false
	}
	if p.Month != 0 && int(local.Month()) != p.Month {
		return false
	}
	if p.Year != 0 && local.Year() != p.Year {
		return false
	}
	return true
}

// ParsePartialDate accepts "DD", "DD.MM" and "DD.MM.YYYY".
func ParsePartialDate(s string) (DatePattern, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DatePattern{}, fmt.Errorf("date is empty")
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return DatePattern{}, fmt.Errorf("invalid date %q: expected DD, DD.MM or DD.MM.YYYY", s)
	}

	var p DatePattern
	var err error
	if p.Day, err = parseComponent(parts[0], 1, 31); err != nil {
		return DatePattern{}, fmt.Errorf("invalid day in %q: %w", s, err)
	}
	if len(parts) > 1 {
		if p.Month, err = parseComponent(parts[1], 1, 12); err != nil {
			return DatePattern{}, fmt.Errorf("invalid month in %q: %w", s, err)
		}
	}
	if len(parts) > 2 {
		if len(parts[2]) != 4 {
			return DatePattern{}, fmt.Errorf("invalid year in %q: want four digits", s)
		}
		if p.Year, err = parseComponent(parts[2], 1, 9999); err != nil {
			return DatePattern{}, fmt.Errorf("invalid year in %q: %w", s, err)
		}
	}
	return p, nil
}

func parseComponent(s string, min, max int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%d out of range [%d, %d]", n, min, max)
	}
	return n, nil
}
