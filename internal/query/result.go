package query

import (
	"sort"
	"time"

	"github.com/solarnetwork/datumagg/internal/agg"
	"github.com/solarnetwork/datumagg/internal/datum"
)

// ResultRow is one assembled query result: a (possibly virtual)
// subject/source identity, a bucket or reading instant, and the flat
// sample-data map merged from aggregate rows, raw datum, or an
// accumulation computation. Rows live only for the duration of a query.
type ResultRow struct {
	SubjectKind datum.SubjectKind
	SubjectID   int64
	SourceID    string

	Timestamp      time.Time
	LocalTimestamp time.Time

	// StartTimestamp and EndTimestamp carry the resolved boundary
	// instants of an accumulation result.
	StartTimestamp *time.Time
	EndTimestamp   *time.Time

	Data   map[string]datum.Decimal
	Status map[string]string
	Tags   []string
}

// ResultPage is an ordered page of result rows. TotalCount is nil when
// the criteria suppressed the total-count computation.
type ResultPage struct {
	Rows          []ResultRow
	ReturnedCount int
	TotalCount    *int64
}

// rowFromAggregate flattens an aggregate row into result sample data:
// instantaneous properties contribute mean plus _min/_max/_count keyed
// values, accumulating properties their delta plus the _start/_end raw
// register values.
func rowFromAggregate(subjectID int64, sourceID string, row agg.AggregateRow) ResultRow {
	out := ResultRow{
		SubjectKind:    row.Subject.Kind,
		SubjectID:      subjectID,
		SourceID:       sourceID,
		Timestamp:      row.BucketStart,
		LocalTimestamp: row.LocalBucket,
		Data:           map[string]datum.Decimal{},
	}
	for p, st := range row.Instantaneous {
		out.Data[p] = st.Mean
		out.Data[p+"_min"] = st.Min
		out.Data[p+"_max"] = st.Max
		out.Data[p+"_count"] = datum.DecimalFromInt64(st.Count)
	}
	for p, st := range row.Accumulating {
		if !st.Known {
			continue
		}
		out.Data[p] = st.Delta
		if !st.First.Timestamp.IsZero() {
			out.Data[p+"_start"] = st.First.Value
			out.Data[p+"_end"] = st.Last.Value
		}
	}
	return out
}

// rowFromDatum flattens a raw datum: instantaneous and accumulating
// values appear under their own names, status and tags pass through.
func rowFromDatum(subjectID int64, sourceID string, d datum.Datum, loc *time.Location) ResultRow {
	out := ResultRow{
		SubjectKind:    d.Subject.Kind,
		SubjectID:      subjectID,
		SourceID:       sourceID,
		Timestamp:      d.Timestamp,
		LocalTimestamp: agg.ToLocal(d.Timestamp, loc),
		Data:           map[string]datum.Decimal{},
		Status:         d.Samples.Status,
		Tags:           d.Samples.Tags,
	}
	for p, v := range d.Samples.Instantaneous {
		out.Data[p] = v
	}
	for p, v := range d.Samples.Accumulating {
		out.Data[p] = v
	}
	return out
}

// sortRows applies the canonical result order: subject (kind, then ID),
// bucket or reading instant, source, all ascending. Comparing the kind
// first keeps node and location rows with the same ID totally ordered.
// Virtual IDs sort by their assigned values.
func sortRows(rows []ResultRow) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.SubjectKind != b.SubjectKind {
			return a.SubjectKind < b.SubjectKind
		}
		if a.SubjectID != b.SubjectID {
			return a.SubjectID < b.SubjectID
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.SourceID < b.SourceID
	})
}

// paginate slices rows into a page, computing the total count unless
// suppressed.
func paginate(rows []ResultRow, offset, max int, withoutTotal bool) *ResultPage {
	page := &ResultPage{}
	if !withoutTotal {
		total := int64(len(rows))
		page.TotalCount = &total
	}
	if offset >= len(rows) {
		return page
	}
	rows = rows[offset:]
	if max > 0 && len(rows) > max {
		rows = rows[:max]
	}
	page.Rows = rows
	page.ReturnedCount = len(rows)
	return page
}
