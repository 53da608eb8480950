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

// MarkStale marks every precomputed bucket the criteria cover as
// needing recomputation. Marking is an idempotent upsert keyed by
// (subject, source, bucket, level); overlapping concurrent markers
// never duplicate queue entries. The criteria's aggregation level
// selects the bucket size, defaulting to Hour.
func (e *Engine) MarkStale(ctx context.Context, c Criteria) error {
	timer := time.Now()
	defer func() {
		queryDuration.WithLabelValues("mark-stale").Observe(time.Since(timer).Seconds())
	}()

	if err := c.Validate(); err != nil {
		return err
	}
	level := c.Aggregation
	if level == agg.None {
		level = agg.Hour
	}
	if !level.IsCalendar() && !level.IsSubHour() {
		return fmt.Errorf("%w: cannot mark %s buckets stale", ErrInvalidCriteria, level)
	}

	sels, err := e.resolveStreams(ctx, c)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, sel := range sels {
		start, end, ok := c.absoluteRange(sel.loc)
		if !ok {
			return fmt.Errorf("%w: a date range is required", ErrInvalidCriteria)
		}
		for _, bucket := range agg.Buckets(start.In(sel.loc), end, level) {
			err := e.st.MarkStale(ctx, store.StaleEntry{
				Subject:     sel.stream.Subject,
				SourceID:    sel.stream.SourceID,
				BucketStart: bucket,
				Level:       level,
				RequestedAt: now,
			})
			if err != nil {
				return fmt.Errorf("mark stale bucket %s: %w", bucket.Format(time.RFC3339), err)
			}
			staleMarked.Inc()
		}
	}
	return nil
}

// RecomputeBucket rebuilds one aggregate bucket from raw datum and
// reset records and stores it as an atomic replace. Buckets with no
// data produce no row and return nil.
func (e *Engine) RecomputeBucket(ctx context.Context, stream datum.StreamID, bucketStart time.Time, level agg.Level) (*agg.AggregateRow, error) {
	loc, err := e.st.Zone(ctx, stream.Subject)
	if err != nil {
		return nil, fmt.Errorf("resolve zone for %v: %w", stream.Subject, err)
	}
	start := agg.BucketStart(bucketStart, loc, level)
	end := level.Next(start.In(loc))

	datums, err := e.st.ScanDatum(ctx, stream, start, end)
	if err != nil {
		return nil, fmt.Errorf("scan datum: %w", err)
	}
	resets, err := e.st.ScanResets(ctx, stream, start, end)
	if err != nil {
		return nil, fmt.Errorf("scan resets: %w", err)
	}

	row, ok := agg.RollupRaw(stream, start, level, loc, datums, resets)
	if !ok {
		return nil, nil
	}
	if err := e.st.UpsertAggregate(ctx, row); err != nil {
		return nil, fmt.Errorf("store aggregate: %w", err)
	}
	return &row, nil
}

// ProcessStale claims up to limit queue entries, recomputes each
// bucket, and removes the entries. The ingest pipeline runs it on a
// timer as the recompute batch collaborator. Returns the number of
// entries processed.
func (e *Engine) ProcessStale(ctx context.Context, limit int) (int, error) {
	entries, err := e.st.Claim(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("claim stale entries: %w", err)
	}
	for _, entry := range entries {
		if _, err := e.RecomputeBucket(ctx, entry.Stream(), entry.BucketStart, entry.Level); err != nil {
			return 0, err
		}
		if err := e.st.Delete(ctx, entry); err != nil {
			return 0, err
		}
		e.log.Debug("recomputed stale bucket",
			zap.String("stream", entry.Stream().String()),
			zap.Time("bucket", entry.BucketStart),
			zap.String("level", entry.Level.String()),
		)
	}
	return len(entries), nil
}
