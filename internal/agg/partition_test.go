package agg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, mo time.Month, d int) time.Time {
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

func TestPartition(t *testing.T) {
	t.Run("unaligned window yields partial, full, partial", func(t *testing.T) {
		ranges := Partition(date(2020, time.January, 15), date(2020, time.March, 15), Month, Day)
		require.Len(t, ranges, 3)
		assert.Equal(t, Range{Start: date(2020, time.January, 15), End: date(2020, time.February, 1), Level: Day}, ranges[0])
		assert.Equal(t, Range{Start: date(2020, time.February, 1), End: date(2020, time.March, 1), Level: Month}, ranges[1])
		assert.Equal(t, Range{Start: date(2020, time.March, 1), End: date(2020, time.March, 15), Level: Day}, ranges[2])
	})

	t.Run("exactly aligned window yields one full range", func(t *testing.T) {
		ranges := Partition(date(2020, time.January, 1), date(2020, time.March, 1), Month, Day)
		require.Len(t, ranges, 1)
		assert.Equal(t, Range{Start: date(2020, time.January, 1), End: date(2020, time.March, 1), Level: Month}, ranges[0])
	})

	t.Run("window inside one bucket yields one partial range", func(t *testing.T) {
		ranges := Partition(date(2020, time.January, 5), date(2020, time.January, 20), Month, Day)
		require.Len(t, ranges, 1)
		assert.Equal(t, Range{Start: date(2020, time.January, 5), End: date(2020, time.January, 20), Level: Day}, ranges[0])
	})

	t.Run("aligned start, unaligned end", func(t *testing.T) {
		ranges := Partition(date(2020, time.February, 1), date(2020, time.March, 15), Month, Day)
		require.Len(t, ranges, 2)
		assert.Equal(t, Month, ranges[0].Level)
		assert.Equal(t, Day, ranges[1].Level)
		assert.Equal(t, date(2020, time.March, 1), ranges[0].End)
	})

	t.Run("sub ranges tile the window exactly", func(t *testing.T) {
		start, end := date(2020, time.January, 15), date(2020, time.March, 15)
		ranges := Partition(start, end, Month, Day)
		assert.Equal(t, start, ranges[0].Start)
		assert.Equal(t, end, ranges[len(ranges)-1].End)
		for i := 1; i < len(ranges); i++ {
			assert.Equal(t, ranges[i-1].End, ranges[i].Start)
		}
	})

	t.Run("empty window yields nothing", func(t *testing.T) {
		assert.Nil(t, Partition(date(2020, time.January, 1), date(2020, time.January, 1), Month, Day))
	})
}

func TestRangeContains(t *testing.T) {
	r := Range{Start: date(2020, time.January, 1), End: date(2020, time.February, 1), Level: Month}
	assert.True(t, r.Contains(date(2020, time.January, 1)))
	assert.True(t, r.Contains(date(2020, time.January, 31)))
	assert.False(t, r.Contains(date(2020, time.February, 1)))
	assert.False(t, r.Contains(date(2019, time.December, 31)))
}

func TestBuckets(t *testing.T) {
	t.Run("enumerates hourly starts", func(t *testing.T) {
		start := time.Date(2020, time.June, 1, 0, 30, 0, 0, time.UTC)
		end := time.Date(2020, time.June, 1, 3, 0, 0, 0, time.UTC)
		buckets := Buckets(start, end, Hour)
		require.Len(t, buckets, 3)
		assert.Equal(t, time.Date(2020, time.June, 1, 0, 0, 0, 0, time.UTC), buckets[0])
		assert.Equal(t, time.Date(2020, time.June, 1, 2, 0, 0, 0, time.UTC), buckets[2])
	})

	t.Run("spring forward day has 23 hourly buckets and no 02:00", func(t *testing.T) {
		ny, err := time.LoadLocation("America/New_York")
		require.NoError(t, err)
		start := time.Date(2024, time.March, 10, 0, 0, 0, 0, ny)
		buckets := Buckets(start, Day.Next(start), Hour)
		assert.Len(t, buckets, 23)
		for _, b := range buckets {
			assert.NotEqual(t, 2, b.Hour(), "skipped wall hour must not appear")
		}
	})

	t.Run("fall back day has 24 hourly buckets with the repeated hour once", func(t *testing.T) {
		ny, err := time.LoadLocation("America/New_York")
		require.NoError(t, err)
		start := time.Date(2024, time.November, 3, 0, 0, 0, 0, ny)
		buckets := Buckets(start, Day.Next(start), Hour)
		assert.Len(t, buckets, 24)

		ones := 0
		for _, b := range buckets {
			if b.Hour() == 1 {
				ones++
			}
		}
		assert.Equal(t, 1, ones, "repeated wall hour must appear once")
	})

	t.Run("empty range", func(t *testing.T) {
		now := time.Now()
		assert.Nil(t, Buckets(now, now, Hour))
	})
}
