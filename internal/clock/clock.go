// Package clock provides an exchange-timezone-aware market calendar and a
// clock abstraction so schedulers can run against virtual time in tests.
package clock

import (
	"time"
)

// Clock supplies the current time. Production code uses Real; tests use a
// Virtual clock they can advance deterministically.
type Clock interface {
	Now() time.Time
}

// Real is the wall clock.
type Real struct{}

// Now returns the current wall-clock time.
func (Real) Now() time.Time { return time.Now() }

// Virtual is a manually advanced clock for tests.
type Virtual struct {
	Current time.Time
}

// Now returns the virtual time.
func (v *Virtual) Now() time.Time { return v.Current }

// Advance moves the virtual clock forward.
func (v *Virtual) Advance(d time.Duration) { v.Current = v.Current.Add(d) }

// Session bounds in exchange-local time.
const (
	OpenHour    = 9
	OpenMinute  = 30
	CloseHour   = 16
	CloseMinute = 0
)

// Market answers open/closed questions against the US equity calendar in a
// configured exchange time zone.
type Market struct {
	loc *time.Location
}

// NewMarket creates a market clock for the given zone name, for example
// "America/New_York".
func NewMarket(tz string) (*Market, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	return &Market{loc: loc}, nil
}

// Location returns the exchange time zone.
func (m *Market) Location() *time.Location { return m.loc }

// IsTradingDay reports whether the given instant falls on an exchange
// trading day (weekday, not a holiday).
func (m *Market) IsTradingDay(t time.Time) bool {
	local := t.In(m.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !isHoliday(local)
}

// IsOpen reports whether the market is open at the given instant
// (09:30-16:00 exchange local time on a trading day).
func (m *Market) IsOpen(t time.Time) bool {
	if !m.IsTradingDay(t) {
		return false
	}
	local := t.In(m.loc)
	open, close := m.sessionBounds(local)
	return !local.Before(open) && local.Before(close)
}

// NextOpen returns the next session open strictly after t.
func (m *Market) NextOpen(t time.Time) time.Time {
	local := t.In(m.loc)
	for {
		open, _ := m.sessionBounds(local)
		if m.IsTradingDay(local) && local.Before(open) {
			return open
		}
		local = nextMorning(local)
	}
}

// NextClose returns the next session close strictly after t.
func (m *Market) NextClose(t time.Time) time.Time {
	local := t.In(m.loc)
	for {
		_, close := m.sessionBounds(local)
		if m.IsTradingDay(local) && local.Before(close) {
			return close
		}
		local = nextMorning(local)
	}
}

// At returns the given local clock time on the same day as t.
func (m *Market) At(t time.Time, hour, minute int) time.Time {
	local := t.In(m.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, m.loc)
}

func (m *Market) sessionBounds(local time.Time) (open, close time.Time) {
	open = time.Date(local.Year(), local.Month(), local.Day(), OpenHour, OpenMinute, 0, 0, m.loc)
	close = time.Date(local.Year(), local.Month(), local.Day(), CloseHour, CloseMinute, 0, 0, m.loc)
	return open, close
}

func nextMorning(local time.Time) time.Time {
	next := local.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, local.Location())
}

// isHoliday covers the NYSE full-day holiday schedule: New Year's Day, MLK
// Day, Presidents' Day, Good Friday, Memorial Day, Juneteenth, Independence
// Day, Labor Day, Thanksgiving and Christmas, with weekend observance shifts.
func isHoliday(local time.Time) bool {
	y, mth, d := local.Year(), local.Month(), local.Day()

	if observedMatch(local, time.January, 1) {
		return true
	}
	if mth == time.January && nthWeekday(local, time.Monday) == 3 {
		return true
	}
	if mth == time.February && nthWeekday(local, time.Monday) == 3 {
		return true
	}
	if goodFriday(y) == dateOf(local) {
		return true
	}
	if mth == time.May && local.Weekday() == time.Monday && d+7 > 31 {
		return true
	}
	if observedMatch(local, time.June, 19) {
		return true
	}
	if observedMatch(local, time.July, 4) {
		return true
	}
	if mth == time.September && nthWeekday(local, time.Monday) == 1 {
		return true
	}
	if mth == time.November && local.Weekday() == time.Thursday && nthWeekday(local, time.Thursday) == 4 {
		return true
	}
	if observedMatch(local, time.December, 25) {
		return true
	}
	return false
}

// observedMatch reports whether local is the observed date of a fixed
// holiday: Saturday holidays observe Friday, Sunday holidays observe Monday.
func observedMatch(local time.Time, mth time.Month, day int) bool {
	holiday := time.Date(local.Year(), mth, day, 0, 0, 0, 0, local.Location())
	switch holiday.Weekday() {
	case time.Saturday:
		holiday = holiday.AddDate(0, 0, -1)
	case time.Sunday:
		holiday = holiday.AddDate(0, 0, 1)
	}
	return dateOf(local) == dateOf(holiday)
}

// nthWeekday returns which occurrence of its weekday the date is within the
// month (1-based).
func nthWeekday(local time.Time, wd time.Weekday) int {
	if local.Weekday() != wd {
		return 0
	}
	return (local.Day()-1)/7 + 1
}

type ymd struct {
	y int
	m time.Month
	d int
}

func dateOf(t time.Time) ymd { return ymd{t.Year(), t.Month(), t.Day()} }

// goodFriday computes Good Friday via the Gregorian Easter algorithm.
func goodFriday(year int) ymd {
	a := year % 19
	b := year / 100
	c := year % 100
	dd := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - dd - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	mm := (a + 11*h + 22*l) / 451
	month := (h + l - 7*mm + 114) / 31
	day := (h+l-7*mm+114)%31 + 1
	easter := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	gf := easter.AddDate(0, 0, -2)
	return ymd{gf.Year(), gf.Month(), gf.Day()}
}
