// Package period maps reporting ranges to calendar windows and to the
// fraction of a month they cover.
package period

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// Range identifies a reporting period relative to now.
type Range string

const (
	Yesterday Range = "yesterday"
	ThisWeek  Range = "this_week"
	LastWeek  Range = "last_week"
	ThisMonth Range = "this_month"
	LastMonth Range = "last_month"
	ThisYear  Range = "this_year"
	LastYear  Range = "last_year"
	Custom    Range = "custom"
)

// Presets are the ranges with a fixed meaning that can be cached.
var Presets = []Range{Yesterday, ThisWeek, LastWeek, ThisMonth, LastMonth}

// IsPreset returns true if r is one of Presets.
func IsPreset(r Range) bool {
	return slices.Contains(Presets, r)
}

// ParseRange returns the Range named by s. Unknown names map to Yesterday.
func ParseRange(s string) Range {
	switch r := Range(s); r {
	case Yesterday, ThisWeek, LastWeek, ThisMonth, LastMonth, ThisYear, LastYear, Custom:
		return r
	default:
		return Yesterday
	}
}

// Proration is the share of a month a period covers. Monthly fixed fees are
// multiplied by Factor.
type Proration struct {
	PeriodDays int     `json:"period_days"`
	MonthDays  int     `json:"month_days"`
	Factor     float64 `json:"factor"`
}

// Label renders the proration as "d/m days", or "full month" when the period
// covers the whole month.
func (p Proration) Label() string {
	if p.PeriodDays < p.MonthDays {
		return fmt.Sprintf("%d/%d days", p.PeriodDays, p.MonthDays)
	}
	return "full month"
}

// DaysInMonth returns the number of days in t's month.
func DaysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

func newProration(periodDays int, ref time.Time) Proration {
	monthDays := DaysInMonth(ref)
	return Proration{
		PeriodDays: periodDays,
		MonthDays:  monthDays,
		Factor:     float64(periodDays) / float64(monthDays),
	}
}

// daysBetween counts calendar days, so an end at 23:59:59 of a day counts
// as that day.
func daysBetween(start, end time.Time) int {
	return int(math.Round(startOfDay(end).Sub(startOfDay(start)).Hours() / 24))
}

// Prorate returns how much of a month the range covers as of now.
// customStart and customEnd are only read for Custom; a zero value for
// either falls back to a single day. Calendar fields are taken in now's
// location.
func Prorate(r Range, customStart, customEnd, now time.Time) Proration {
	switch r {
	case Yesterday:
		return newProration(1, now.AddDate(0, 0, -1))
	case ThisWeek:
		// Monday is day 1, Sunday is day 7
		day := int(now.Weekday())
		if day == 0 {
			day = 7
		}
		monday := now.AddDate(0, 0, -(day - 1))
		return newProration(max(1, daysBetween(monday, now)+1), monday)
	case LastWeek:
		return newProration(7, now.AddDate(0, 0, -7))
	case ThisMonth:
		return newProration(now.Day(), now)
	case LastMonth:
		first := time.Date(now.Year(), now.Month()-1, 1, 0, 0, 0, 0, now.Location())
		return newProration(DaysInMonth(first), first)
	case Custom:
		if customStart.IsZero() || customEnd.IsZero() {
			return newProration(1, now)
		}
		return newProration(max(1, daysBetween(customStart, customEnd)+1), customStart)
	case ThisYear, LastYear:
		// yearly ranges have no monthly proration yet and are billed as a
		// single day
		return newProration(1, now)
	default:
		return Prorate(Yesterday, customStart, customEnd, now)
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Bounds returns the window [start, end] metering data must be fetched for.
// Ranges ending today end at now, closed ranges end one nanosecond before
// the next period starts. Custom is not handled here and yields yesterday.
func Bounds(r Range, now time.Time) (time.Time, time.Time) {
	today := startOfDay(now)
	switch r {
	case ThisWeek:
		day := int(now.Weekday())
		if day == 0 {
			day = 7
		}
		return today.AddDate(0, 0, -(day - 1)), now
	case LastWeek:
		day := int(now.Weekday())
		if day == 0 {
			day = 7
		}
		monday := today.AddDate(0, 0, -(day - 1))
		return monday.AddDate(0, 0, -7), monday.Add(-time.Nanosecond)
	case ThisMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()), now
	case LastMonth:
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return first.AddDate(0, -1, 0), first.Add(-time.Nanosecond)
	case ThisYear:
		return time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location()), now
	case LastYear:
		first := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location())
		return first.AddDate(-1, 0, 0), first.Add(-time.Nanosecond)
	default:
		return today.AddDate(0, 0, -1), today.Add(-time.Nanosecond)
	}
}

// ParseDate parses a date given either as YYYY-MM-DD, interpreted in loc, or
// as an RFC 3339 timestamp.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation(time.DateOnly, s, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD or RFC 3339", s)
	}
	return t.In(loc), nil
}

// CustomBounds returns the window for a custom range. The end date is
// inclusive, so a date-only end is extended to the end of that day.
func CustomBounds(start, end time.Time) (time.Time, time.Time, error) {
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end %s is before start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	if end.Equal(startOfDay(end)) {
		end = end.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return start, end, nil
}
