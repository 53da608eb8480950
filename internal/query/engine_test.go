package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarnetwork/datumagg/internal/agg"
	"github.com/solarnetwork/datumagg/internal/datum"
	"github.com/solarnetwork/datumagg/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	return NewEngine(st, 0, nil), st
}

func seedDatum(t *testing.T, st *store.MemStore, subject datum.Subject, source string, ts time.Time, watts, wattHours string) {
	t.Helper()
	s := datum.NewSamples()
	if watts != "" {
		s.Instantaneous["watts"] = datum.MustDecimal(watts)
	}
	if wattHours != "" {
		s.Accumulating["wattHours"] = datum.MustDecimal(wattHours)
	}
	require.NoError(t, st.UpsertDatum(context.Background(), datum.Datum{
		Subject:   subject,
		SourceID:  source,
		Timestamp: ts,
		Samples:   s,
	}))
}

// seedHourly stores one reading per hour over [from, to] inclusive,
// register climbing 100 Wh per hour, then recomputes the hourly
// aggregate rows covering [from, to).
func seedHourly(t *testing.T, e *Engine, st *store.MemStore, subject datum.Subject, source string, from, to time.Time) {
	t.Helper()
	ctx := context.Background()
	register := 1000
	for ts := from; !ts.After(to); ts = ts.Add(time.Hour) {
		seedDatum(t, st, subject, source, ts, "100", fmt.Sprint(register))
		register += 100
	}
	stream := datum.StreamID{Subject: subject, SourceID: source}
	for _, b := range agg.Buckets(from, to, agg.Hour) {
		_, err := e.RecomputeBucket(ctx, stream, b, agg.Hour)
		require.NoError(t, err)
	}
}

func TestQueryAggregateHour(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	subject := datum.NodeSubject(1)
	st.SetZone(subject, time.UTC)

	start := time.Date(2020, time.June, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Hour)
	seedHourly(t, e, st, subject, "meter/1", start, end)

	c := Criteria{
		Subjects:    []datum.Subject{subject},
		Start:       &start,
		End:         &end,
		Aggregation: agg.Hour,
	}
	page, err := e.QueryAggregate(ctx, c)
	require.NoError(t, err)
	require.Equal(t, 3, page.ReturnedCount)
	require.NotNil(t, page.TotalCount)
	assert.Equal(t, int64(3), *page.TotalCount)

	for i, row := range page.Rows {
		assert.Equal(t, start.Add(time.Duration(i)*time.Hour), row.Timestamp)
		assert.Equal(t, "100", row.Data["wattHours"].String())
		assert.Equal(t, "100", row.Data["watts"].String())
		assert.Equal(t, "1", row.Data["watts_count"].String())
	}

	t.Run("pagination", func(t *testing.T) {
		c := c
		c.Offset = 1
		c.Max = 1
		page, err := e.QueryAggregate(ctx, c)
		require.NoError(t, err)
		require.Equal(t, 1, page.ReturnedCount)
		assert.Equal(t, start.Add(time.Hour), page.Rows[0].Timestamp)
		assert.Equal(t, int64(3), *page.TotalCount)
	})

	t.Run("suppressed total count", func(t *testing.T) {
		c := c
		c.WithoutTotalResultsCount = true
		page, err := e.QueryAggregate(ctx, c)
		require.NoError(t, err)
		assert.Nil(t, page.TotalCount)
	})

	t.Run("empty range yields empty page", func(t *testing.T) {
		c := c
		early := start.Add(-48 * time.Hour)
		earlyEnd := early.Add(time.Hour)
		c.Start, c.End = &early, &earlyEnd
		page, err := e.QueryAggregate(ctx, c)
		require.NoError(t, err)
		assert.Zero(t, page.ReturnedCount)
	})

	t.Run("configured max caps an unbounded page", func(t *testing.T) {
		capped := NewEngine(st, 2, nil)
		page, err := capped.QueryAggregate(ctx, c)
		require.NoError(t, err)
		require.Equal(t, 2, page.ReturnedCount)
		assert.Equal(t, int64(3), *page.TotalCount)
	})
}

func TestQueryAggregateDayWithPartial(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	subject := datum.NodeSubject(1)
	st.SetZone(subject, time.UTC)

	start := time.Date(2020, time.June, 1, 12, 0, 0, 0, time.UTC)
	end := time.Date(2020, time.June, 3, 0, 0, 0, 0, time.UTC)
	seedHourly(t, e, st, subject, "meter/1", start, end)

	stream := datum.StreamID{Subject: subject, SourceID: "meter/1"}
	_, err := e.RecomputeBucket(ctx, stream, time.Date(2020, time.June, 2, 0, 0, 0, 0, time.UTC), agg.Day)
	require.NoError(t, err)

	page, err := e.QueryAggregate(ctx, Criteria{
		Subjects:           []datum.Subject{subject},
		Start:              &start,
		End:                &end,
		Aggregation:        agg.Day,
		PartialAggregation: agg.Hour,
	})
	require.NoError(t, err)
	require.Equal(t, 2, page.ReturnedCount)

	// The leading partial day covers 12 hours rolled up from hourly rows.
	partial := page.Rows[0]
	assert.Equal(t, time.Date(2020, time.June, 1, 0, 0, 0, 0, time.UTC), partial.Timestamp)
	assert.Equal(t, "1200", partial.Data["wattHours"].String())

	full := page.Rows[1]
	assert.Equal(t, time.Date(2020, time.June, 2, 0, 0, 0, 0, time.UTC), full.Timestamp)
	assert.Equal(t, "2400", full.Data["wattHours"].String())
}

func TestQueryAggregateVirtualCombination(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	a, b := datum.NodeSubject(1), datum.NodeSubject(2)
	st.SetZone(a, time.UTC)
	st.SetZone(b, time.UTC)

	start := time.Date(2020, time.June, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	seedDatum(t, st, a, "meter/1", start, "100", "1000")
	seedDatum(t, st, a, "meter/1", end, "", "1100")
	seedDatum(t, st, b, "meter/1", start, "300", "5000")
	seedDatum(t, st, b, "meter/1", end, "", "5200")
	for _, subject := range []datum.Subject{a, b} {
		_, err := e.RecomputeBucket(ctx, datum.StreamID{Subject: subject, SourceID: "meter/1"}, start, agg.Hour)
		require.NoError(t, err)
	}

	page, err := e.QueryAggregate(ctx, Criteria{
		SubjectMappings: map[int64][]datum.Subject{99: {a, b}},
		Start:           &start,
		End:             &end,
		Aggregation:     agg.Hour,
	})
	require.NoError(t, err)
	require.Equal(t, 1, page.ReturnedCount)

	row := page.Rows[0]
	assert.Equal(t, int64(99), row.SubjectID)
	// Accumulating deltas sum; instantaneous means average.
	assert.Equal(t, "300", row.Data["wattHours"].String())
	assert.Equal(t, "200", row.Data["watts"].String())
	assert.Equal(t, "2", row.Data["watts_count"].String())
}

func TestQueryRaw(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	subject := datum.NodeSubject(1)
	st.SetZone(subject, time.UTC)

	start := time.Date(2020, time.June, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)
	seedDatum(t, st, subject, "meter/1", start, "100", "1000")
	seedDatum(t, st, subject, "meter/1", start.Add(time.Hour), "200", "1100")
	seedDatum(t, st, subject, "meter/1", end, "300", "1200")

	page, err := e.QueryAggregate(ctx, Criteria{
		Subjects: []datum.Subject{subject},
		Start:    &start,
		End:      &end,
	})
	require.NoError(t, err)
	// The datum exactly at end is excluded: raw ranges are half open.
	require.Equal(t, 2, page.ReturnedCount)
	assert.Equal(t, "100", page.Rows[0].Data["watts"].String())
	assert.Equal(t, "1100", page.Rows[1].Data["wattHours"].String())
}

func TestQueryRunningTotal(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	subject := datum.NodeSubject(1)
	st.SetZone(subject, time.UTC)

	t0 := time.Date(2020, time.June, 1, 0, 0, 0, 0, time.UTC)
	seedDatum(t, st, subject, "meter/1", t0, "", "4002")
	seedDatum(t, st, subject, "meter/1", t0.Add(time.Minute), "", "4445")
	seedDatum(t, st, subject, "meter/1", t0.Add(47*time.Hour), "", "8044")
	seedDatum(t, st, subject, "meter/1", t0.Add(48*time.Hour), "", "8344")

	page, err := e.QueryAggregate(ctx, Criteria{
		Subjects:    []datum.Subject{subject},
		Aggregation: agg.RunningTotal,
	})
	require.NoError(t, err)
	require.Equal(t, 1, page.ReturnedCount)

	row := page.Rows[0]
	assert.Equal(t, "4342", row.Data["wattHours"].String())
	assert.Equal(t, "4002", row.Data["wattHours_start"].String())
	assert.Equal(t, "8344", row.Data["wattHours_end"].String())
	require.NotNil(t, row.StartTimestamp)
	assert.Equal(t, t0, *row.StartTimestamp)
}

func TestQueryMostRecent(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	subject := datum.NodeSubject(1)
	st.SetZone(subject, time.UTC)

	start := time.Date(2020, time.June, 1, 0, 0, 0, 0, time.UTC)
	seedHourly(t, e, st, subject, "meter/1", start, start.Add(2*time.Hour))

	t.Run("raw", func(t *testing.T) {
		page, err := e.QueryAggregate(ctx, Criteria{
			Subjects:   []datum.Subject{subject},
			MostRecent: true,
		})
		require.NoError(t, err)
		require.Equal(t, 1, page.ReturnedCount)
		assert.Equal(t, start.Add(2*time.Hour), page.Rows[0].Timestamp)
	})

	t.Run("latest hour bucket", func(t *testing.T) {
		page, err := e.QueryAggregate(ctx, Criteria{
			Subjects:    []datum.Subject{subject},
			MostRecent:  true,
			Aggregation: agg.Hour,
		})
		require.NoError(t, err)
		require.Equal(t, 1, page.ReturnedCount)
		assert.Equal(t, start.Add(time.Hour), page.Rows[0].Timestamp)
		assert.Equal(t, "100", page.Rows[0].Data["wattHours"].String())
	})
}

func TestQueryHistogram(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	subject := datum.NodeSubject(1)
	st.SetZone(subject, time.UTC)

	hourRow := func(day, hour int, delta string) agg.AggregateRow {
		bucket := time.Date(2024, time.July, day, hour, 0, 0, 0, time.UTC)
		return agg.AggregateRow{
			Subject:     subject,
			SourceID:    "meter/1",
			BucketStart: bucket,
			LocalBucket: agg.ToLocal(bucket, time.UTC),
			Level:       agg.Hour,
			Accumulating: map[string]datum.AccumulatingStat{
				"wattHours": {Delta: datum.MustDecimal(delta), Known: true},
			},
		}
	}
	require.NoError(t, st.UpsertAggregate(ctx, hourRow(1, 8, "100")))
	require.NoError(t, st.UpsertAggregate(ctx, hourRow(2, 8, "200")))
	require.NoError(t, st.UpsertAggregate(ctx, hourRow(1, 9, "75")))

	start := time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.July, 3, 0, 0, 0, 0, time.UTC)
	page, err := e.QueryAggregate(ctx, Criteria{
		Subjects:    []datum.Subject{subject},
		Start:       &start,
		End:         &end,
		Aggregation: agg.HourOfDay,
	})
	require.NoError(t, err)
	require.Equal(t, 2, page.ReturnedCount)

	assert.Equal(t, 8, page.Rows[0].Timestamp.Hour())
	// mean of the two 08:00 deltas
	assert.Equal(t, "150", page.Rows[0].Data["wattHours"].String())
	assert.Equal(t, 9, page.Rows[1].Timestamp.Hour())
	assert.Equal(t, "75", page.Rows[1].Data["wattHours"].String())
}

func TestQueryAccumulation(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	subject := datum.NodeSubject(1)
	st.SetZone(subject, time.UTC)
	stream := datum.StreamID{Subject: subject, SourceID: "meter/1"}

	t0 := time.Date(2020, time.June, 1, 0, 0, 0, 0, time.UTC)
	t2 := t0.Add(48 * time.Hour)
	seedDatum(t, st, subject, "meter/1", t0, "", "4002")
	seedDatum(t, st, subject, "meter/1", t0.Add(time.Minute), "", "4445")
	seedDatum(t, st, subject, "meter/1", t2.Add(-time.Minute), "", "8044")
	seedDatum(t, st, subject, "meter/1", t2.Add(time.Minute), "", "8344")

	t.Run("without resets", func(t *testing.T) {
		row, err := e.QueryAccumulation(ctx, stream, t0, t2, agg.ModeAround)
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Equal(t, "4042", row.Data["wattHours"].String())
		assert.Equal(t, "4002", row.Data["wattHours_start"].String())
		assert.Equal(t, "8044", row.Data["wattHours_end"].String())
	})

	t.Run("reset record changes the chain", func(t *testing.T) {
		require.NoError(t, st.UpsertReset(ctx, datum.ResetRecord{
			Subject:   subject,
			SourceID:  "meter/1",
			Timestamp: t0.Add(24 * time.Hour),
			Final:     map[string]datum.Decimal{"wattHours": datum.MustDecimal("5000")},
			Start:     map[string]datum.Decimal{"wattHours": datum.MustDecimal("8000")},
		}))
		row, err := e.QueryAccumulation(ctx, stream, t0, t2, agg.ModeAround)
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Equal(t, "1042", row.Data["wattHours"].String())
	})

	t.Run("inverted range is rejected", func(t *testing.T) {
		_, err := e.QueryAccumulation(ctx, stream, t2, t0, agg.ModeAround)
		assert.ErrorIs(t, err, ErrInvalidCriteria)
	})

	t.Run("no data yields nil row", func(t *testing.T) {
		empty := datum.StreamID{Subject: subject, SourceID: "nothing"}
		row, err := e.QueryAccumulation(ctx, empty, t0, t2, agg.ModeAround)
		require.NoError(t, err)
		assert.Nil(t, row)
	})

	t.Run("reset before the range anchors the start", func(t *testing.T) {
		fresh := datum.StreamID{Subject: subject, SourceID: "meter/2"}
		require.NoError(t, st.UpsertReset(ctx, datum.ResetRecord{
			Subject:   subject,
			SourceID:  "meter/2",
			Timestamp: t0,
			Final:     map[string]datum.Decimal{"wattHours": datum.MustDecimal("1000")},
			Start:     map[string]datum.Decimal{"wattHours": datum.MustDecimal("0")},
		}))
		seedDatum(t, st, subject, "meter/2", t0.Add(90*time.Minute), "", "500")

		row, err := e.QueryAccumulation(ctx, fresh, t0.Add(time.Hour), t0.Add(2*time.Hour), agg.ModeAround)
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Equal(t, "500", row.Data["wattHours"].String())
		assert.Equal(t, "0", row.Data["wattHours_start"].String())
		assert.Equal(t, "500", row.Data["wattHours_end"].String())
	})
}

func TestPartialAggregationRanges(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	subject := datum.NodeSubject(1)
	st.SetZone(subject, time.UTC)

	start := time.Date(2020, time.January, 15, 0, 0, 0, 0, time.UTC)
	end := time.Date(2020, time.March, 15, 0, 0, 0, 0, time.UTC)
	ranges, err := e.PartialAggregationRanges(ctx, Criteria{
		Subjects:           []datum.Subject{subject},
		Start:              &start,
		End:                &end,
		Aggregation:        agg.Month,
		PartialAggregation: agg.Day,
	})
	require.NoError(t, err)
	require.Len(t, ranges, 3)
	assert.Equal(t, agg.Day, ranges[0].Level)
	assert.Equal(t, agg.Month, ranges[1].Level)
	assert.Equal(t, agg.Day, ranges[2].Level)

	t.Run("no partial level yields the window itself", func(t *testing.T) {
		ranges, err := e.PartialAggregationRanges(ctx, Criteria{
			Subjects:    []datum.Subject{subject},
			Start:       &start,
			End:         &end,
			Aggregation: agg.Month,
		})
		require.NoError(t, err)
		require.Len(t, ranges, 1)
		assert.Equal(t, agg.Range{Start: start, End: end, Level: agg.Month}, ranges[0])
	})

	t.Run("invalid criteria propagate", func(t *testing.T) {
		_, err := e.PartialAggregationRanges(ctx, Criteria{})
		assert.ErrorIs(t, err, ErrInvalidCriteria)
	})
}
