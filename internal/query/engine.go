// Package query assembles filter-criteria driven queries over raw and
// precomputed aggregate rows: multi-resolution rollups, calendar
// histograms, running totals, accumulation diffs, most-recent lookups,
// and staleness marking for the recompute queue.
package query

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/solarnetwork/datumagg/internal/agg"
	"github.com/solarnetwork/datumagg/internal/datum"
	"github.com/solarnetwork/datumagg/internal/store"
)

// Engine executes queries against the storage collaborator. It is
// stateless: every method is safe for unbounded concurrent use, and
// time cost is bounded by the requested range and the fixed bucket
// hierarchy depth.
type Engine struct {
	st         store.Store
	maxResults int
	log        *zap.Logger
}

// NewEngine creates an engine over st. maxResults caps a result page
// when the criteria set no limit; non-positive values fall back to the
// built-in default.
func NewEngine(st store.Store, maxResults int, logger *zap.Logger) *Engine {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{st: st, maxResults: maxResults, log: logger}
}

// streamSel is one resolved physical stream with its reporting identity
// and local time zone.
type streamSel struct {
	stream   datum.StreamID
	vSubject int64
	vSource  string
	loc      *time.Location
}

func (e *Engine) resolveStreams(ctx context.Context, c Criteria) ([]streamSel, error) {
	var out []streamSel
	sources := c.physicalSources()
	for _, subject := range c.physicalSubjects() {
		loc, err := e.st.Zone(ctx, subject)
		if err != nil {
			return nil, fmt.Errorf("resolve zone for %v: %w", subject, err)
		}
		subjSources := sources
		if len(subjSources) == 0 {
			subjSources, err = e.st.ListSourceIDs(ctx, subject)
			if err != nil {
				return nil, fmt.Errorf("list sources for %v: %w", subject, err)
			}
		}
		for _, src := range subjSources {
			out = append(out, streamSel{
				stream:   datum.StreamID{Subject: subject, SourceID: src},
				vSubject: c.virtualSubject(subject),
				vSource:  c.virtualSource(src),
				loc:      loc,
			})
		}
	}
	return out, nil
}

// QueryAggregate runs a criteria-driven aggregate (or raw, or
// most-recent) query and assembles one result page. Empty ranges
// produce an empty page, never an error.
func (e *Engine) QueryAggregate(ctx context.Context, c Criteria) (*ResultPage, error) {
	timer := time.Now()
	defer func() {
		queryDuration.WithLabelValues("aggregate").Observe(time.Since(timer).Seconds())
	}()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	c = c.WithDefaults(e.maxResults)

	sels, err := e.resolveStreams(ctx, c)
	if err != nil {
		return nil, err
	}

	var rows []ResultRow
	switch {
	case c.MostRecent:
		rows, err = e.mostRecentRows(ctx, c, sels)
	case c.Aggregation == agg.None:
		rows, err = e.rawRows(ctx, c, sels)
	case c.Aggregation == agg.RunningTotal:
		rows, err = e.runningTotalRows(ctx, c, sels)
	case c.Aggregation.IsHistogram():
		rows, err = e.histogramRows(ctx, c, sels)
	default:
		rows, err = e.aggregateRows(ctx, c, sels)
	}
	if err != nil {
		return nil, err
	}

	sortRows(rows)
	page := paginate(rows, c.Offset, c.Max, c.WithoutTotalResultsCount)
	queryRows.WithLabelValues("aggregate").Add(float64(page.ReturnedCount))
	return page, nil
}

// virtualKey groups rows that a mapping merges into one reported row.
type virtualKey struct {
	kind    datum.SubjectKind
	subject int64
	source  string
	bucket  int64 // unix nanos of the bucket key
}

// combineAndFlatten merges constituent aggregate rows per virtual
// identity and bucket, then flattens to result rows.
func combineAndFlatten(groups map[virtualKey][]agg.AggregateRow) []ResultRow {
	var out []ResultRow
	for key, group := range groups {
		row, ok := agg.CombineVirtual(group)
		if !ok {
			continue
		}
		flat := rowFromAggregate(key.subject, key.source, row)
		flat.SubjectKind = key.kind
		out = append(out, flat)
	}
	return out
}

// aggregateRows serves the calendar and sub-hour levels: partition the
// window when a partial level is requested, read rows per sub-range,
// regroup them by target-level local bucket, roll children up, and
// combine virtual constituents.
func (e *Engine) aggregateRows(ctx context.Context, c Criteria, sels []streamSel) ([]ResultRow, error) {
	target := c.Aggregation
	groups := map[virtualKey][]agg.AggregateRow{}

	for _, sel := range sels {
		start, end, ok := c.absoluteRange(sel.loc)
		if !ok {
			return nil, fmt.Errorf("%w: a date range is required", ErrInvalidCriteria)
		}

		ranges := []agg.Range{{Start: start, End: end, Level: target}}
		if c.PartialAggregation != agg.None {
			ranges = agg.Partition(start, end, target, c.PartialAggregation)
		}

		buckets := map[time.Time][]agg.AggregateRow{}
		for _, r := range ranges {
			rows, err := e.st.ScanAggregates(ctx, sel.stream, r.Level, r.Start, r.End)
			if err != nil {
				return nil, fmt.Errorf("scan %s aggregates: %w", r.Level, err)
			}
			for _, row := range rows {
				key := agg.BucketStart(row.BucketStart, sel.loc, target)
				buckets[key] = append(buckets[key], row)
			}
		}

		for key, group := range buckets {
			row, err := e.reduceBucket(ctx, sel, key, target, group)
			if err != nil {
				return nil, err
			}
			if row == nil {
				continue
			}
			vk := virtualKey{kind: sel.stream.Subject.Kind, subject: sel.vSubject, source: sel.vSource, bucket: key.UnixNano()}
			groups[vk] = append(groups[vk], *row)
		}
	}
	return combineAndFlatten(groups), nil
}

// reduceBucket turns the rows gathered for one target bucket into a
// single row at the target level, rolling finer rows up when needed.
func (e *Engine) reduceBucket(ctx context.Context, sel streamSel, bucket time.Time, target agg.Level, group []agg.AggregateRow) (*agg.AggregateRow, error) {
	if len(group) == 1 && group[0].Level == target {
		return &group[0], nil
	}
	end := target.Next(bucket.In(sel.loc))
	resets, err := e.st.ScanResets(ctx, sel.stream, bucket, end)
	if err != nil {
		return nil, fmt.Errorf("scan resets: %w", err)
	}
	row, ok := agg.RollupChildren(sel.stream, bucket, target, sel.loc, group, resets)
	if !ok {
		return nil, nil
	}
	return &row, nil
}

// histogramRows serves the day-of-week / hour-of-day style levels by
// folding the canonical child-level rows over the range into calendar
// position buckets.
func (e *Engine) histogramRows(ctx context.Context, c Criteria, sels []streamSel) ([]ResultRow, error) {
	child := c.Aggregation.Child()
	groups := map[virtualKey][]agg.AggregateRow{}
	for _, sel := range sels {
		start, end, ok := c.absoluteRange(sel.loc)
		if !ok {
			return nil, fmt.Errorf("%w: a date range is required", ErrInvalidCriteria)
		}
		rows, err := e.st.ScanAggregates(ctx, sel.stream, child, start, end)
		if err != nil {
			return nil, fmt.Errorf("scan %s aggregates: %w", child, err)
		}
		for _, row := range agg.RollupHistogram(sel.stream, c.Aggregation, rows) {
			vk := virtualKey{kind: sel.stream.Subject.Kind, subject: sel.vSubject, source: sel.vSource, bucket: row.BucketStart.UnixNano()}
			groups[vk] = append(groups[vk], row)
		}
	}
	return combineAndFlatten(groups), nil
}

// runningTotalRows computes one accumulation per stream spanning its
// earliest to latest datum, independent of any date range.
func (e *Engine) runningTotalRows(ctx context.Context, c Criteria, sels []streamSel) ([]ResultRow, error) {
	var out []ResultRow
	for _, sel := range sels {
		first, err := e.st.Earliest(ctx, sel.stream)
		if err != nil {
			return nil, err
		}
		last, err := e.st.MostRecent(ctx, sel.stream)
		if err != nil {
			return nil, err
		}
		if first == nil || last == nil {
			continue
		}
		row, err := e.accumulationRow(ctx, sel.stream, sel.vSubject, sel.vSource, first.Timestamp, last.Timestamp, agg.ModeAround, sel.loc)
		if err != nil {
			return nil, err
		}
		if row != nil {
			out = append(out, *row)
		}
	}
	return out, nil
}

// rawRows returns unaggregated datum within the range.
func (e *Engine) rawRows(ctx context.Context, c Criteria, sels []streamSel) ([]ResultRow, error) {
	var out []ResultRow
	for _, sel := range sels {
		start, end, ok := c.absoluteRange(sel.loc)
		if !ok {
			return nil, fmt.Errorf("%w: a date range is required", ErrInvalidCriteria)
		}
		datums, err := e.st.ScanDatum(ctx, sel.stream, start, end)
		if err != nil {
			return nil, fmt.Errorf("scan datum: %w", err)
		}
		for _, d := range datums {
			if !d.Timestamp.Before(end) {
				continue // scans are end-inclusive; the range is not
			}
			out = append(out, rowFromDatum(sel.vSubject, sel.vSource, d, sel.loc))
		}
	}
	return out, nil
}

// mostRecentRows resolves at most one row per stream: the stream's
// latest datum via the store's latest-reading lookup, or the latest
// bucket at the requested calendar level.
func (e *Engine) mostRecentRows(ctx context.Context, c Criteria, sels []streamSel) ([]ResultRow, error) {
	var out []ResultRow
	for _, sel := range sels {
		if c.Aggregation == agg.None {
			d, err := e.st.MostRecent(ctx, sel.stream)
			if err != nil {
				return nil, err
			}
			if d != nil {
				out = append(out, rowFromDatum(sel.vSubject, sel.vSource, *d, sel.loc))
			}
			continue
		}
		row, err := e.st.LatestAggregate(ctx, sel.stream, c.Aggregation)
		if err != nil {
			return nil, err
		}
		if row != nil {
			out = append(out, rowFromAggregate(sel.vSubject, sel.vSource, *row))
		}
	}
	return out, nil
}

// QueryAccumulation computes the net accumulating-register change for
// one stream over [start, end], chaining across any meter resets. A
// range with no resolvable boundary readings yields a nil row.
func (e *Engine) QueryAccumulation(ctx context.Context, stream datum.StreamID, start, end time.Time, mode agg.AccumulationMode) (*ResultRow, error) {
	timer := time.Now()
	defer func() {
		queryDuration.WithLabelValues("accumulation").Observe(time.Since(timer).Seconds())
	}()
	if !start.Before(end) {
		return nil, fmt.Errorf("%w: start must be before end", ErrInvalidCriteria)
	}
	loc, err := e.st.Zone(ctx, stream.Subject)
	if err != nil {
		return nil, fmt.Errorf("resolve zone for %v: %w", stream.Subject, err)
	}
	row, err := e.accumulationRow(ctx, stream, stream.Subject.ID, stream.SourceID, start, end, mode, loc)
	if err != nil {
		return nil, err
	}
	if row != nil {
		queryRows.WithLabelValues("accumulation").Add(1)
	}
	return row, nil
}

func (e *Engine) accumulationRow(ctx context.Context, stream datum.StreamID, subjectID int64, sourceID string, start, end time.Time, mode agg.AccumulationMode, loc *time.Location) (*ResultRow, error) {
	datums, err := e.st.ScanDatum(ctx, stream, start, end)
	if err != nil {
		return nil, fmt.Errorf("scan datum: %w", err)
	}
	resetFrom := start
	if mode == agg.ModeAround {
		prev, err := e.st.LatestAtOrBefore(ctx, stream, start)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			resetFrom = prev.Timestamp
			if len(datums) == 0 || !datums[0].Timestamp.Equal(prev.Timestamp) {
				datums = append([]datum.Datum{*prev}, datums...)
			}
		} else {
			// No raw reading at or before start. A reset record before
			// the range can still anchor the start boundary, so scan
			// resets unbounded below.
			resetFrom = time.Time{}
		}
	}
	resets, err := e.st.ScanResets(ctx, stream, resetFrom, end)
	if err != nil {
		return nil, fmt.Errorf("scan resets: %w", err)
	}

	accs := agg.Accumulate(agg.AccumulationInput{
		Start:  start,
		End:    end,
		Mode:   mode,
		Datums: datums,
		Resets: resets,
	})
	if len(accs) == 0 {
		return nil, nil
	}

	row := &ResultRow{
		SubjectKind: stream.Subject.Kind,
		SubjectID:   subjectID,
		SourceID:    sourceID,
		Data:        map[string]datum.Decimal{},
	}
	var lo, hi time.Time
	for _, acc := range accs {
		row.Data[acc.Property] = acc.Delta
		row.Data[acc.Property+"_start"] = acc.Start.Value
		row.Data[acc.Property+"_end"] = acc.End.Value
		if lo.IsZero() || acc.Start.Timestamp.Before(lo) {
			lo = acc.Start.Timestamp
		}
		if acc.End.Timestamp.After(hi) {
			hi = acc.End.Timestamp
		}
	}
	row.StartTimestamp = &lo
	row.EndTimestamp = &hi
	row.Timestamp = hi
	row.LocalTimestamp = agg.ToLocal(hi, loc)
	return row, nil
}

// PartialAggregationRanges exposes the range partitioning a criteria
// resolves to, primarily for testability. The first subject's zone
// anchors local alignment.
func (e *Engine) PartialAggregationRanges(ctx context.Context, c Criteria) ([]agg.Range, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	subjects := c.physicalSubjects()
	loc, err := e.st.Zone(ctx, subjects[0])
	if err != nil {
		return nil, fmt.Errorf("resolve zone for %v: %w", subjects[0], err)
	}
	start, end, ok := c.absoluteRange(loc)
	if !ok {
		return nil, fmt.Errorf("%w: a date range is required", ErrInvalidCriteria)
	}
	if c.PartialAggregation == agg.None {
		return []agg.Range{{Start: start, End: end, Level: c.Aggregation}}, nil
	}
	return agg.Partition(start, end, c.Aggregation, c.PartialAggregation), nil
}
