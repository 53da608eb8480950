package agg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelNames(t *testing.T) {
	for l, name := range levelNames {
		assert.Equal(t, name, l.String())
		parsed, err := ParseLevel(name)
		require.NoError(t, err)
		assert.Equal(t, l, parsed)
	}
	_, err := ParseLevel("Quarter")
	assert.Error(t, err)
}

func TestLevelOrdering(t *testing.T) {
	assert.Negative(t, Compare(FiveMinute, Hour))
	assert.Negative(t, Compare(Hour, Day))
	assert.Negative(t, Compare(Day, Month))
	assert.Negative(t, Compare(Month, Year))
	assert.Negative(t, Compare(Year, RunningTotal))
	assert.Zero(t, Compare(Day, DayOfWeek))
	assert.Positive(t, Compare(Week, Day))
}

func TestLevelFamilies(t *testing.T) {
	assert.True(t, Hour.IsCalendar())
	assert.True(t, Year.IsCalendar())
	assert.False(t, FiveMinute.IsCalendar())
	assert.True(t, TenMinute.IsSubHour())
	assert.False(t, Day.IsSubHour())
	assert.True(t, DayOfWeek.IsHistogram())
	assert.True(t, SeasonalHourOfDay.IsHistogram())
	assert.False(t, Month.IsHistogram())
}

func TestParentChild(t *testing.T) {
	assert.Equal(t, Hour, FifteenMinute.Parent())
	assert.Equal(t, Day, Hour.Parent())
	assert.Equal(t, Month, Day.Parent())
	assert.Equal(t, Year, Month.Parent())
	assert.Equal(t, None, Year.Parent())
	assert.Equal(t, None, Week.Parent())

	assert.Equal(t, Hour, Day.Child())
	assert.Equal(t, Hour, Week.Child())
	assert.Equal(t, Day, Month.Child())
	assert.Equal(t, Day, Year.Child())
	assert.Equal(t, Day, DayOfWeek.Child())
	assert.Equal(t, Hour, HourOfDay.Child())
}

func TestTruncate(t *testing.T) {
	ts := time.Date(2020, time.June, 17, 14, 43, 21, 500, time.UTC)

	assert.Equal(t, time.Date(2020, time.June, 17, 14, 40, 0, 0, time.UTC), FiveMinute.Truncate(ts))
	assert.Equal(t, time.Date(2020, time.June, 17, 14, 40, 0, 0, time.UTC), TenMinute.Truncate(ts))
	assert.Equal(t, time.Date(2020, time.June, 17, 14, 30, 0, 0, time.UTC), FifteenMinute.Truncate(ts))
	assert.Equal(t, time.Date(2020, time.June, 17, 14, 0, 0, 0, time.UTC), Hour.Truncate(ts))
	assert.Equal(t, time.Date(2020, time.June, 17, 0, 0, 0, 0, time.UTC), Day.Truncate(ts))
	// 2020-06-17 is a Wednesday; the ISO week starts Monday the 15th.
	assert.Equal(t, time.Date(2020, time.June, 15, 0, 0, 0, 0, time.UTC), Week.Truncate(ts))
	assert.Equal(t, time.Date(2020, time.June, 1, 0, 0, 0, 0, time.UTC), Month.Truncate(ts))
	assert.Equal(t, time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC), Year.Truncate(ts))
}

func TestNext(t *testing.T) {
	t.Run("plain calendar steps", func(t *testing.T) {
		start := time.Date(2020, time.January, 31, 23, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2020, time.February, 1, 0, 0, 0, 0, time.UTC), Hour.Next(start))

		day := time.Date(2020, time.February, 28, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2020, time.February, 29, 0, 0, 0, 0, time.UTC), Day.Next(day))

		month := time.Date(2020, time.December, 1, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC), Month.Next(month))
	})

	t.Run("spring forward skips the missing wall hour", func(t *testing.T) {
		ny, err := time.LoadLocation("America/New_York")
		require.NoError(t, err)
		// 2024-03-10 02:00 does not exist in New York.
		one := time.Date(2024, time.March, 10, 1, 0, 0, 0, ny)
		next := Hour.Next(one)
		assert.Equal(t, 3, next.Hour())
		assert.Equal(t, time.Hour, next.Sub(one))
	})

	t.Run("fall back repeated hour spans two absolute hours", func(t *testing.T) {
		ny, err := time.LoadLocation("America/New_York")
		require.NoError(t, err)
		// 2024-11-03 01:00 occurs twice in New York.
		one := time.Date(2024, time.November, 3, 1, 0, 0, 0, ny)
		next := Hour.Next(one)
		assert.Equal(t, 2, next.Hour())
		assert.Equal(t, 2*time.Hour, next.Sub(one))
	})

	t.Run("spring forward day is 23 absolute hours", func(t *testing.T) {
		ny, err := time.LoadLocation("America/New_York")
		require.NoError(t, err)
		day := time.Date(2024, time.March, 10, 0, 0, 0, 0, ny)
		assert.Equal(t, 23*time.Hour, Day.Next(day).Sub(day))
	})

	t.Run("fall back day is 25 absolute hours", func(t *testing.T) {
		ny, err := time.LoadLocation("America/New_York")
		require.NoError(t, err)
		day := time.Date(2024, time.November, 3, 0, 0, 0, 0, ny)
		assert.Equal(t, 25*time.Hour, Day.Next(day).Sub(day))
	})
}

func TestHistogramKey(t *testing.T) {
	// 2024-07-10 is a Wednesday in summer.
	ts := time.Date(2024, time.July, 10, 15, 30, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2001, time.January, 3, 0, 0, 0, 0, time.UTC), DayOfWeek.HistogramKey(ts))
	assert.Equal(t, time.Date(2001, time.January, 1, 15, 0, 0, 0, time.UTC), HourOfDay.HistogramKey(ts))
	assert.Equal(t, time.Date(2001, time.June, 3, 0, 0, 0, 0, time.UTC), SeasonalDayOfWeek.HistogramKey(ts))
	assert.Equal(t, time.Date(2001, time.June, 1, 15, 0, 0, 0, time.UTC), SeasonalHourOfDay.HistogramKey(ts))

	t.Run("same weekday maps to the same key across weeks", func(t *testing.T) {
		a := DayOfWeek.HistogramKey(time.Date(2024, time.July, 10, 0, 0, 0, 0, time.UTC))
		b := DayOfWeek.HistogramKey(time.Date(2024, time.July, 17, 0, 0, 0, 0, time.UTC))
		assert.Equal(t, a, b)
	})

	t.Run("december belongs to winter", func(t *testing.T) {
		key := SeasonalHourOfDay.HistogramKey(time.Date(2024, time.December, 25, 8, 0, 0, 0, time.UTC))
		assert.Equal(t, time.December, key.Month())
		keyJan := SeasonalHourOfDay.HistogramKey(time.Date(2025, time.January, 25, 8, 0, 0, 0, time.UTC))
		assert.Equal(t, key, keyJan)
	})
}
