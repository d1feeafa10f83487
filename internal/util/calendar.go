package util

import (
	"sync"
	"time"
)

// TradingCalendar provides US equity session awareness: regular hours are
// 9:30-16:00 America/New_York on weekdays, minus configured holidays.
type TradingCalendar struct {
	loc *time.Location

	mu       sync.RWMutex
	holidays map[string]bool // YYYY-MM-DD in exchange time
}

// NewTradingCalendar creates a TradingCalendar for the US equity market.
// It falls back to a fixed UTC-5 zone when tzdata is unavailable.
func NewTradingCalendar() *TradingCalendar {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("ET", -5*60*60)
	}
	return &TradingCalendar{loc: loc, holidays: make(map[string]bool)}
}

// Location returns the exchange time zone.
func (tc *TradingCalendar) Location() *time.Location {
	return tc.loc
}

// SetHolidays replaces the set of full-day closures.
func (tc *TradingCalendar) SetHolidays(days []time.Time) {
	m := make(map[string]bool, len(days))
	for _, d := range days {
		m[d.In(tc.loc).Format("2006-01-02")] = true
	}
	tc.mu.Lock()
	tc.holidays = m
	tc.mu.Unlock()
}

// IsTradingDay reports whether the exchange holds a session on t's date.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	lt := t.In(tc.loc)
	switch lt.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return !tc.holidays[lt.Format("2006-01-02")]
}

// IsMarketOpen returns whether the regular session is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	if !tc.IsTradingDay(t) {
		return false
	}
	open, closing := tc.session(t)
	return !t.Before(open) && t.Before(closing)
}

// NextOpen returns the next session open at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	day := t
	for i := 0; i < 14; i++ {
		if tc.IsTradingDay(day) {
			open, _ := tc.session(day)
			if !open.Before(t) {
				return open
			}
		}
		day = tc.nextDay(day)
	}
	return time.Time{}
}

// NextClose returns the next session close at or after t. Day orders expire
// at this instant.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	day := t
	for i := 0; i < 14; i++ {
		if tc.IsTradingDay(day) {
			_, closing := tc.session(day)
			if !closing.Before(t) {
				return closing
			}
		}
		day = tc.nextDay(day)
	}
	return time.Time{}
}

func (tc *TradingCalendar) session(t time.Time) (time.Time, time.Time) {
	lt := t.In(tc.loc)
	y, m, d := lt.Date()
	open := time.Date(y, m, d, 9, 30, 0, 0, tc.loc)
	closing := time.Date(y, m, d, 16, 0, 0, 0, tc.loc)
	return open, closing
}

func (tc *TradingCalendar) nextDay(t time.Time) time.Time {
	lt := t.In(tc.loc)
	y, m, d := lt.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, tc.loc)
}
