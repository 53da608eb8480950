package agg

import (
	"sort"
	"time"

	"github.com/solarnetwork/datumagg/internal/datum"
)

// AggregateRow is one derived rollup row: the re-aggregatable summary
// of a stream over one bucket. Identity is (Subject, SourceID,
// BucketStart, Level). Rows are always recomputable from raw datum and
// reset records covering the bucket.
type AggregateRow struct {
	Subject     datum.Subject
	SourceID    string
	BucketStart time.Time // absolute instant of the local bucket start
	LocalBucket time.Time // bucket start as a local-calendar value
	Level       Level

	Instantaneous map[string]datum.InstantaneousStat
	Accumulating  map[string]datum.AccumulatingStat
}

// Stream returns the row's stream identity.
func (r AggregateRow) Stream() datum.StreamID {
	return datum.StreamID{Subject: r.Subject, SourceID: r.SourceID}
}

// RollupRaw builds the aggregate row for one bucket from raw rows.
// datums must be ordered ascending by timestamp and should include any
// boundary datum exactly at the bucket end, which anchors the
// accumulating delta without being counted as an instantaneous sample.
// Returns false when nothing in the bucket produced a statistic.
func RollupRaw(stream datum.StreamID, bucketStart time.Time, level Level, loc *time.Location, datums []datum.Datum, resets []datum.ResetRecord) (AggregateRow, bool) {
	start := BucketStart(bucketStart, loc, level)
	end := level.Next(start.In(loc))

	row := AggregateRow{
		Subject:       stream.Subject,
		SourceID:      stream.SourceID,
		BucketStart:   start,
		LocalBucket:   ToLocal(start, loc),
		Level:         level,
		Instantaneous: map[string]datum.InstantaneousStat{},
		Accumulating:  map[string]datum.AccumulatingStat{},
	}

	rollupInstantaneous(row.Instantaneous, datums, start, end)

	for _, prop := range accumulatingProps(datums, resets) {
		acc, ok := accumulateProperty(prop, AccumulationInput{
			Start:  start,
			End:    end,
			Mode:   ModeWithin,
			Datums: datums,
			Resets: resets,
		})
		if !ok {
			continue
		}
		row.Accumulating[prop] = datum.AccumulatingStat{
			Delta: acc.Delta,
			First: acc.Start,
			Last:  acc.End,
			// A bucket whose register was observed only once cannot
			// resolve a delta; the slot's value stays unknown rather
			// than inferred.
			Known: acc.End.Timestamp.After(acc.Start.Timestamp),
		}
	}

	if len(row.Instantaneous) == 0 && len(row.Accumulating) == 0 {
		return AggregateRow{}, false
	}
	return row, true
}

func rollupInstantaneous(out map[string]datum.InstantaneousStat, datums []datum.Datum, start, end time.Time) {
	sums := map[string]datum.Decimal{}
	for _, d := range datums {
		if d.Timestamp.Before(start) || !d.Timestamp.Before(end) {
			continue
		}
		for prop, v := range d.Samples.Instantaneous {
			st, ok := out[prop]
			if !ok {
				sums[prop] = v
				out[prop] = datum.InstantaneousStat{Min: v, Max: v, Count: 1}
				continue
			}
			sums[prop] = sums[prop].Add(v)
			st.Count++
			if v.Cmp(st.Min) < 0 {
				st.Min = v
			}
			if v.Cmp(st.Max) > 0 {
				st.Max = v
			}
			out[prop] = st
		}
	}
	// Single division at the end keeps the mean as exact as the sum.
	for prop, st := range out {
		st.Mean = sums[prop].Div(datum.DecimalFromInt64(st.Count))
		out[prop] = st
	}
}

func accumulatingProps(datums []datum.Datum, resets []datum.ResetRecord) []string {
	props := map[string]struct{}{}
	for _, d := range datums {
		for p := range d.Samples.Accumulating {
			props[p] = struct{}{}
		}
	}
	for _, r := range resets {
		for p := range r.Final {
			props[p] = struct{}{}
		}
	}
	names := make([]string, 0, len(props))
	for p := range props {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// RollupChildren combines finer aggregate rows tiling one parent bucket
// into the parent row. Instantaneous statistics merge by carried
// counts. Accumulating deltas are recomputed from the first child's
// first reading and the last child's last reading, chained through
// resets between those instants; summing child deltas would double
// count boundary rows and lose in-child resets.
func RollupChildren(stream datum.StreamID, bucketStart time.Time, level Level, loc *time.Location, children []AggregateRow, resets []datum.ResetRecord) (AggregateRow, bool) {
	if len(children) == 0 {
		return AggregateRow{}, false
	}
	ordered := make([]AggregateRow, len(children))
	copy(ordered, children)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].BucketStart.Before(ordered[j].BucketStart)
	})

	start := BucketStart(bucketStart, loc, level)
	row := AggregateRow{
		Subject:       stream.Subject,
		SourceID:      stream.SourceID,
		BucketStart:   start,
		LocalBucket:   ToLocal(start, loc),
		Level:         level,
		Instantaneous: map[string]datum.InstantaneousStat{},
		Accumulating:  map[string]datum.AccumulatingStat{},
	}

	for _, prop := range childInstantProps(ordered) {
		var stats []datum.InstantaneousStat
		for _, c := range ordered {
			if st, ok := c.Instantaneous[prop]; ok {
				stats = append(stats, st)
			}
		}
		merged := datum.MergeInstantaneous(stats)
		if merged.Count > 0 {
			row.Instantaneous[prop] = merged
		}
	}

	for _, prop := range childAccumulatingProps(ordered) {
		var first, last *datum.AccumulatingStat
		for i := range ordered {
			st, ok := ordered[i].Accumulating[prop]
			if !ok {
				continue
			}
			if first == nil {
				f := st
				first = &f
			}
			l := st
			last = &l
		}
		if first == nil {
			continue
		}
		events := eventsBetween(ResetEventsFor(prop, resets), first.First.Timestamp, last.Last.Timestamp)
		row.Accumulating[prop] = datum.AccumulatingStat{
			Delta: ChainDelta(first.First, last.Last, events),
			First: first.First,
			Last:  last.Last,
			Known: last.Last.Timestamp.After(first.First.Timestamp),
		}
	}

	if len(row.Instantaneous) == 0 && len(row.Accumulating) == 0 {
		return AggregateRow{}, false
	}
	return row, true
}

// CombineVirtual merges constituent rows that a filter maps to one
// virtual stream within the same bucket: instantaneous means combine
// count-weighted, accumulating deltas sum. Rows from different buckets
// must never be combined.
func CombineVirtual(rows []AggregateRow) (AggregateRow, bool) {
	if len(rows) == 0 {
		return AggregateRow{}, false
	}
	out := AggregateRow{
		Subject:       rows[0].Subject,
		SourceID:      rows[0].SourceID,
		BucketStart:   rows[0].BucketStart,
		LocalBucket:   rows[0].LocalBucket,
		Level:         rows[0].Level,
		Instantaneous: map[string]datum.InstantaneousStat{},
		Accumulating:  map[string]datum.AccumulatingStat{},
	}

	for _, prop := range childInstantProps(rows) {
		var stats []datum.InstantaneousStat
		for _, r := range rows {
			if st, ok := r.Instantaneous[prop]; ok {
				stats = append(stats, st)
			}
		}
		merged := datum.MergeInstantaneous(stats)
		if merged.Count > 0 {
			out.Instantaneous[prop] = merged
		}
	}

	for _, prop := range childAccumulatingProps(rows) {
		var sum datum.Decimal
		var st datum.AccumulatingStat
		known := false
		for _, r := range rows {
			s, ok := r.Accumulating[prop]
			if !ok || !s.Known {
				continue
			}
			sum = sum.Add(s.Delta)
			if !known {
				st = s
			} else {
				if s.First.Timestamp.Before(st.First.Timestamp) {
					st.First = s.First
				}
				if s.Last.Timestamp.After(st.Last.Timestamp) {
					st.Last = s.Last
				}
			}
			known = true
		}
		if known {
			st.Delta = sum
			st.Known = true
			out.Accumulating[prop] = st
		}
	}

	if len(out.Instantaneous) == 0 && len(out.Accumulating) == 0 {
		return AggregateRow{}, false
	}
	return out, true
}

// RollupHistogram folds calendar-level rows into histogram buckets
// (day-of-week, hour-of-day and the seasonal variants), keyed by the
// calendar position of each row's local bucket. Instantaneous
// statistics merge count-weighted; accumulating values report the mean
// delta per matching calendar slot, the natural statistic for a
// histogram that spans an open-ended history.
func RollupHistogram(stream datum.StreamID, level Level, rows []AggregateRow) []AggregateRow {
	grouped := map[time.Time][]AggregateRow{}
	for _, r := range rows {
		key := level.HistogramKey(r.LocalBucket)
		grouped[key] = append(grouped[key], r)
	}

	keys := make([]time.Time, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	out := make([]AggregateRow, 0, len(keys))
	for _, key := range keys {
		group := grouped[key]
		row := AggregateRow{
			Subject:       stream.Subject,
			SourceID:      stream.SourceID,
			BucketStart:   key,
			LocalBucket:   key,
			Level:         level,
			Instantaneous: map[string]datum.InstantaneousStat{},
			Accumulating:  map[string]datum.AccumulatingStat{},
		}
		for _, prop := range childInstantProps(group) {
			var stats []datum.InstantaneousStat
			for _, r := range group {
				if st, ok := r.Instantaneous[prop]; ok {
					stats = append(stats, st)
				}
			}
			merged := datum.MergeInstantaneous(stats)
			if merged.Count > 0 {
				row.Instantaneous[prop] = merged
			}
		}
		for _, prop := range childAccumulatingProps(group) {
			var sum datum.Decimal
			var n int64
			for _, r := range group {
				if st, ok := r.Accumulating[prop]; ok && st.Known {
					sum = sum.Add(st.Delta)
					n++
				}
			}
			if n > 0 {
				row.Accumulating[prop] = datum.AccumulatingStat{
					Delta: sum.Div(datum.DecimalFromInt64(n)),
					Known: true,
				}
			}
		}
		if len(row.Instantaneous) > 0 || len(row.Accumulating) > 0 {
			out = append(out, row)
		}
	}
	return out
}

func childInstantProps(rows []AggregateRow) []string {
	props := map[string]struct{}{}
	for _, r := range rows {
		for p := range r.Instantaneous {
			props[p] = struct{}{}
		}
	}
	names := make([]string, 0, len(props))
	for p := range props {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

func childAccumulatingProps(rows []AggregateRow) []string {
	props := map[string]struct{}{}
	for _, r := range rows {
		for p := range r.Accumulating {
			props[p] = struct{}{}
		}
	}
	names := make([]string, 0, len(props))
	for p := range props {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}
