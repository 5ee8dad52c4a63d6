// Package timeframe maps instants onto the bucket boundaries used by the
// traffic counters. All truncation happens in a configured location so that
// day, week and month boundaries follow the operator's calendar.
package timeframe

import (
	"fmt"
	"time"
)

// Granularity identifies one level of the bucket hierarchy.
type Granularity string

const (
	Minute Granularity = "minute"
	Hour   Granularity = "hour"
	Day    Granularity = "day"
	Week   Granularity = "week"
	Month  Granularity = "month"
)

const (
	DateLayout   = "2006-01-02"
	MinuteLayout = "2006-01-02T15:04"
)

// Truncate returns the start of the bucket containing t, in loc.
func Truncate(t time.Time, g Granularity, loc *time.Location) time.Time {
	local := t.In(loc)
	year, month, day := local.Date()

	switch g {
	case Month:
		return time.Date(year, month, 1, 0, 0, 0, 0, loc)
	case Week:
		weekday := int(local.Weekday())
		if weekday == 0 { // Sunday
			weekday = 7
		}
		return time.Date(year, month, day-(weekday-1), 0, 0, 0, 0, loc)
	case Day:
		return time.Date(year, month, day, 0, 0, 0, 0, loc)
	case Hour:
		return time.Date(year, month, day, local.Hour(), 0, 0, 0, loc)
	case Minute:
		return time.Date(year, month, day, local.Hour(), local.Minute(), 0, 0, loc)
	default:
		return local
	}
}

// Next returns the start of the bucket following the one that starts at start.
// Calendar arithmetic is used for day and coarser so DST days stay whole.
func Next(start time.Time, g Granularity) time.Time {
	switch g {
	case Minute:
		return start.Add(time.Minute)
	case Hour:
		return start.Add(time.Hour)
	case Day:
		return start.AddDate(0, 0, 1)
	case Week:
		return start.AddDate(0, 0, 7)
	case Month:
		return start.AddDate(0, 1, 0)
	default:
		return start
	}
}

// Range returns the half-open interval [start, end) of the bucket containing t.
func Range(t time.Time, g Granularity, loc *time.Location) (time.Time, time.Time) {
	start := Truncate(t, g, loc)
	return start, Next(start, g)
}

// ISOWeek identifies an ISO-8601 week (Monday based, week 1 holds the first Thursday).
type ISOWeek struct {
	Year int
	Week int
}

// WeekOf returns the ISO week containing t in loc.
func WeekOf(t time.Time, loc *time.Location) ISOWeek {
	year, week := t.In(loc).ISOWeek()
	return ISOWeek{Year: year, Week: week}
}

// Start returns the Monday that opens the week.
func (w ISOWeek) Start(loc *time.Location) time.Time {
	// January 4th is always in week 1.
	jan4 := time.Date(w.Year, time.January, 4, 0, 0, 0, 0, loc)
	offset := (int(jan4.Weekday()) + 6) % 7
	monday := jan4.AddDate(0, 0, -offset)
	return monday.AddDate(0, 0, (w.Week-1)*7)
}

// Prev returns the week before w.
func (w ISOWeek) Prev(loc *time.Location) ISOWeek {
	return WeekOf(w.Start(loc).AddDate(0, 0, -7), loc)
}

func (w ISOWeek) String() string {
	return fmt.Sprintf("%04d-W%02d", w.Year, w.Week)
}

// YearMonth identifies a calendar month.
type YearMonth struct {
	Year  int
	Month time.Month
}

// MonthOf returns the calendar month containing t in loc.
func MonthOf(t time.Time, loc *time.Location) YearMonth {
	local := t.In(loc)
	return YearMonth{Year: local.Year(), Month: local.Month()}
}

// Start returns the first instant of the month.
func (m YearMonth) Start(loc *time.Location) time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, loc)
}

// Prev returns the month before m.
func (m YearMonth) Prev(loc *time.Location) YearMonth {
	return MonthOf(m.Start(loc).AddDate(0, -1, 0), loc)
}

func (m YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// DateKey formats the calendar date of t in loc.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}

// MinuteKey formats the minute bucket of t in loc.
func MinuteKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(MinuteLayout)
}

// ParseDate parses a YYYY-MM-DD string as midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return d, nil
}

// DayName returns the English weekday name of t in loc.
func DayName(t time.Time, loc *time.Location) string {
	return t.In(loc).Weekday().String()
}

// LastNDays returns the midnights of the n calendar days ending with the day of now, oldest first.
func LastNDays(now time.Time, n int, loc *time.Location) []time.Time {
	today := Truncate(now, Day, loc)
	days := make([]time.Time, 0, n)
	for i := n - 1; i >= 0; i-- {
		days = append(days, today.AddDate(0, 0, -i))
	}
	return days
}
