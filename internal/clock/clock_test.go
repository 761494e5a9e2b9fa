package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newYork(t *testing.T) *Market {
	m, err := NewMarket("America/New_York")
	require.NoError(t, err)
	return m
}

func TestIsOpenDuringSession(t *testing.T) {
	m := newYork(t)
	loc := m.Location()

	// Tuesday 2024-03-05.
	assert.True(t, m.IsOpen(time.Date(2024, 3, 5, 10, 0, 0, 0, loc)))
	assert.True(t, m.IsOpen(time.Date(2024, 3, 5, 9, 30, 0, 0, loc)), "open is inclusive")
	assert.False(t, m.IsOpen(time.Date(2024, 3, 5, 16, 0, 0, 0, loc)), "close is exclusive")
	assert.False(t, m.IsOpen(time.Date(2024, 3, 5, 9, 29, 59, 0, loc)))
	assert.False(t, m.IsOpen(time.Date(2024, 3, 5, 20, 0, 0, 0, loc)))
}

func TestWeekendClosed(t *testing.T) {
	m := newYork(t)
	sat := time.Date(2024, 3, 9, 11, 0, 0, 0, m.Location())
	assert.False(t, m.IsTradingDay(sat))
	assert.False(t, m.IsOpen(sat))
}

func TestHolidays(t *testing.T) {
	m := newYork(t)
	loc := m.Location()

	cases := []struct {
		name string
		day  time.Time
	}{
		{"new years 2024", time.Date(2024, 1, 1, 12, 0, 0, 0, loc)},
		{"mlk 2024", time.Date(2024, 1, 15, 12, 0, 0, 0, loc)},
		{"presidents 2024", time.Date(2024, 2, 19, 12, 0, 0, 0, loc)},
		{"good friday 2024", time.Date(2024, 3, 29, 12, 0, 0, 0, loc)},
		{"memorial 2024", time.Date(2024, 5, 27, 12, 0, 0, 0, loc)},
		{"juneteenth 2024", time.Date(2024, 6, 19, 12, 0, 0, 0, loc)},
		{"july 4 2024", time.Date(2024, 7, 4, 12, 0, 0, 0, loc)},
		{"labor 2024", time.Date(2024, 9, 2, 12, 0, 0, 0, loc)},
		{"thanksgiving 2024", time.Date(2024, 11, 28, 12, 0, 0, 0, loc)},
		{"christmas 2024", time.Date(2024, 12, 25, 12, 0, 0, 0, loc)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.False(t, m.IsTradingDay(tc.day))
		})
	}
}

func TestObservedHolidayShift(t *testing.T) {
	m := newYork(t)
	loc := m.Location()

	// July 4 2026 is a Saturday: observed Friday July 3.
	assert.False(t, m.IsTradingDay(time.Date(2026, 7, 3, 12, 0, 0, 0, loc)))
	// January 1 2023 is a Sunday: observed Monday January 2.
	assert.False(t, m.IsTradingDay(time.Date(2023, 1, 2, 12, 0, 0, 0, loc)))
}

func TestNextOpenAndClose(t *testing.T) {
	m := newYork(t)
	loc := m.Location()

	// Friday after close: next open is Monday 09:30.
	friEvening := time.Date(2024, 3, 8, 17, 0, 0, 0, loc)
	open := m.NextOpen(friEvening)
	assert.Equal(t, time.Date(2024, 3, 11, 9, 30, 0, 0, loc), open)

	// Mid-session: next close is the same day 16:00.
	midDay := time.Date(2024, 3, 5, 11, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 3, 5, 16, 0, 0, 0, loc), m.NextClose(midDay))

	// Before open on a trading day: next open is the same morning.
	early := time.Date(2024, 3, 5, 8, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 3, 5, 9, 30, 0, 0, loc), m.NextOpen(early))
}

func TestNextOpenSkipsHoliday(t *testing.T) {
	m := newYork(t)
	loc := m.Location()

	// Evening before Good Friday 2024: next open is the following Monday.
	thu := time.Date(2024, 3, 28, 18, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 4, 1, 9, 30, 0, 0, loc), m.NextOpen(thu))
}

func TestVirtualClock(t *testing.T) {
	v := &Virtual{Current: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)}
	before := v.Now()
	v.Advance(90 * time.Minute)
	assert.Equal(t, before.Add(90*time.Minute), v.Now())
}
