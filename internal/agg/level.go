// Package agg implements the multi-resolution aggregation engine:
// aggregation levels, query-range partitioning, wall-clock bucketing,
// rollup of raw and aggregate rows, and accumulating-register diff
// computation across meter resets.
package agg

import (
	"fmt"
	"time"
)

// Level is an aggregation resolution. Calendar levels (Hour through
// Year) form a strict containment hierarchy; DayOfWeek and HourOfDay
// style levels are cross-cutting histogram buckets.
type Level uint8

const (
	// None means raw, unaggregated data.
	None Level = iota
	FiveMinute
	TenMinute
	FifteenMinute
	Hour
	HourOfDay
	SeasonalHourOfDay
	Day
	DayOfWeek
	SeasonalDayOfWeek
	Week
	WeekOfYear
	Month
	Year
	RunningTotal
)

// levelSeconds orders levels by nominal bucket duration. RunningTotal
// sorts after everything since it spans the whole dataset.
var levelSeconds = map[Level]int64{
	None:              0,
	FiveMinute:        5 * 60,
	TenMinute:         10 * 60,
	FifteenMinute:     15 * 60,
	Hour:              3600,
	HourOfDay:         3600,
	SeasonalHourOfDay: 3600,
	Day:               86400,
	DayOfWeek:         86400,
	SeasonalDayOfWeek: 86400,
	Week:              7 * 86400,
	WeekOfYear:        7 * 86400,
	Month:             30 * 86400,
	Year:              365 * 86400,
	RunningTotal:      1<<62 - 1,
}

var levelNames = map[Level]string{
	None:              "None",
	FiveMinute:        "FiveMinute",
	TenMinute:         "TenMinute",
	FifteenMinute:     "FifteenMinute",
	Hour:              "Hour",
	HourOfDay:         "HourOfDay",
	SeasonalHourOfDay: "SeasonalHourOfDay",
	Day:               "Day",
	DayOfWeek:         "DayOfWeek",
	SeasonalDayOfWeek: "SeasonalDayOfWeek",
	Week:              "Week",
	WeekOfYear:        "WeekOfYear",
	Month:             "Month",
	Year:              "Year",
	RunningTotal:      "RunningTotal",
}

func (l Level) String() string {
	if n, ok := levelNames[l]; ok {
		return n
	}
	return fmt.Sprintf("Level(%d)", uint8(l))
}

// ParseLevel parses a level by its canonical name.
func ParseLevel(s string) (Level, error) {
	for l, n := range levelNames {
		if n == s {
			return l, nil
		}
	}
	return None, fmt.Errorf("unknown aggregation level %q", s)
}

// Seconds returns the nominal bucket duration used for ordering.
func (l Level) Seconds() int64 {
	return levelSeconds[l]
}

// Compare orders levels by nominal bucket duration: negative when a is
// finer than b, zero when equal, positive when coarser.
func Compare(a, b Level) int {
	switch {
	case a.Seconds() < b.Seconds():
		return -1
	case a.Seconds() > b.Seconds():
		return 1
	default:
		return 0
	}
}

// IsCalendar reports whether l is a calendar containment level.
func (l Level) IsCalendar() bool {
	switch l {
	case Hour, Day, Week, Month, Year:
		return true
	}
	return false
}

// IsSubHour reports whether l is a sub-hour slot level.
func (l Level) IsSubHour() bool {
	switch l {
	case FiveMinute, TenMinute, FifteenMinute:
		return true
	}
	return false
}

// IsHistogram reports whether l buckets by calendar position rather
// than by containment (day-of-week, hour-of-day and seasonal variants).
func (l Level) IsHistogram() bool {
	switch l {
	case DayOfWeek, HourOfDay, SeasonalDayOfWeek, SeasonalHourOfDay:
		return true
	}
	return false
}

// Parent returns the next coarser containment level, or None when the
// level has no parent. Sub-hour slots roll up to Hour; Week sits
// outside the Hour/Day/Month/Year chain and has no parent.
func (l Level) Parent() Level {
	switch l {
	case FiveMinute, TenMinute, FifteenMinute:
		return Hour
	case Hour:
		return Day
	case Day:
		return Month
	case Month:
		return Year
	default:
		return None
	}
}

// Child returns the canonical finer containment level used to derive l,
// or None when l is not derivable from a coarser-than-raw level.
func (l Level) Child() Level {
	switch l {
	case Day, Week:
		return Hour
	case Month, Year:
		return Day
	case DayOfWeek, SeasonalDayOfWeek:
		return Day
	case HourOfDay, SeasonalHourOfDay:
		return Hour
	default:
		return None
	}
}

// subHourSlot returns the slot length for sub-hour levels, zero
// otherwise.
func (l Level) subHourSlot() time.Duration {
	switch l {
	case FiveMinute:
		return 5 * time.Minute
	case TenMinute:
		return 10 * time.Minute
	case FifteenMinute:
		return 15 * time.Minute
	}
	return 0
}

// Truncate returns the start of the bucket at level l containing t, in
// t's location. Bucket boundaries are wall-clock calendar positions,
// never fixed offsets from an epoch, so daylight-saving days keep their
// calendar shape.
func (l Level) Truncate(t time.Time) time.Time {
	loc := t.Location()
	y, mo, d := t.Date()
	switch l {
	case FiveMinute, TenMinute, FifteenMinute:
		slotMin := int(l.subHourSlot() / time.Minute)
		return time.Date(y, mo, d, t.Hour(), t.Minute()/slotMin*slotMin, 0, 0, loc)
	case Hour:
		return time.Date(y, mo, d, t.Hour(), 0, 0, 0, loc)
	case Day:
		return time.Date(y, mo, d, 0, 0, 0, 0, loc)
	case Week, WeekOfYear:
		// ISO weeks start on Monday.
		midnight := time.Date(y, mo, d, 0, 0, 0, 0, loc)
		back := (int(midnight.Weekday()) + 6) % 7
		return time.Date(y, mo, d-back, 0, 0, 0, 0, loc)
	case Month:
		return time.Date(y, mo, 1, 0, 0, 0, 0, loc)
	case Year:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
	default:
		return t
	}
}

// Next returns the start of the bucket following the bucket start t.
// Field arithmetic through time.Date keeps wall-clock semantics: a
// spring-forward day yields 23 hourly buckets (the missing wall hour is
// skipped) and a fall-back day yields 24, the repeated wall hour
// spanning two absolute hours.
func (l Level) Next(t time.Time) time.Time {
	loc := t.Location()
	y, mo, d := t.Date()
	var next time.Time
	switch l {
	case FiveMinute, TenMinute, FifteenMinute:
		slotMin := int(l.subHourSlot() / time.Minute)
		next = time.Date(y, mo, d, t.Hour(), t.Minute()+slotMin, 0, 0, loc)
	case Hour:
		next = time.Date(y, mo, d, t.Hour()+1, 0, 0, 0, loc)
	case Day:
		next = time.Date(y, mo, d+1, 0, 0, 0, 0, loc)
	case Week, WeekOfYear:
		next = time.Date(y, mo, d+7, 0, 0, 0, 0, loc)
	case Month:
		next = time.Date(y, mo+1, 1, 0, 0, 0, 0, loc)
	case Year:
		next = time.Date(y+1, time.January, 1, 0, 0, 0, 0, loc)
	default:
		return t
	}
	// time.Date is not well defined for wall times inside a
	// spring-forward gap and can normalize to the instant before the
	// gap, at or before t. Step past the gap in absolute time and
	// realign on the bucket grid.
	if !next.After(t) {
		step := l.subHourSlot()
		if step == 0 {
			step = time.Hour
		}
		next = l.Truncate(t.Add(step))
	}
	return next
}

// histogramEpoch anchors histogram bucket keys. 2001-01-01 is a Monday,
// so day-of-week buckets are keyed 2001-01-01 through 2001-01-07 and
// hour-of-day buckets 2001-01-01T00 through T23.
const histogramEpochYear = 2001

// seasonMonth maps a month to its season's reference month: Dec-Feb
// winter (12), Mar-May spring (3), Jun-Aug summer (6), Sep-Nov
// autumn (9).
func seasonMonth(m time.Month) time.Month {
	switch {
	case m == time.December || m <= time.February:
		return time.December
	case m <= time.May:
		return time.March
	case m <= time.August:
		return time.June
	default:
		return time.September
	}
}

// HistogramKey returns the canonical bucket key for histogram levels:
// a reference date in the histogram epoch encoding the calendar
// position of t. Non-histogram levels return Truncate(t).
func (l Level) HistogramKey(t time.Time) time.Time {
	loc := t.Location()
	dow := (int(t.Weekday()) + 6) % 7 // Monday = 0
	switch l {
	case DayOfWeek:
		return time.Date(histogramEpochYear, time.January, 1+dow, 0, 0, 0, 0, loc)
	case HourOfDay:
		return time.Date(histogramEpochYear, time.January, 1, t.Hour(), 0, 0, 0, loc)
	case SeasonalDayOfWeek:
		// Keyed by weekday offset within the season's reference month.
		return time.Date(histogramEpochYear, seasonMonth(t.Month()), 1+dow, 0, 0, 0, 0, loc)
	case SeasonalHourOfDay:
		return time.Date(histogramEpochYear, seasonMonth(t.Month()), 1, t.Hour(), 0, 0, 0, loc)
	default:
		return l.Truncate(t)
	}
}
