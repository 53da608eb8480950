package ingest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solarnetwork/datumagg/internal/agg"
	"github.com/solarnetwork/datumagg/internal/datum"
	"github.com/solarnetwork/datumagg/internal/store"
)

// Writer persists parsed datums and marks the enclosing hour bucket
// stale so the aggregation processor recomputes it.
type Writer struct {
	st     store.Store
	input  <-chan datum.Datum
	logger *zap.Logger

	mu    sync.Mutex
	zones map[datum.Subject]*time.Location
}

// NewWriter creates a writer consuming parsed datums from input.
func NewWriter(st store.Store, input <-chan datum.Datum, logger *zap.Logger) *Writer {
	return &Writer{
		st:     st,
		input:  input,
		logger: logger,
		zones:  make(map[datum.Subject]*time.Location),
	}
}

// Run starts the writer loop. It blocks until the context is cancelled
// or the input channel is closed.
func (w *Writer) Run(ctx context.Context) error {
	sugar := w.logger.Sugar()
	sugar.Info("Starting datum writer loop...")
	defer sugar.Info("Datum writer loop stopped.")

	for {
		select {
		case d, ok := <-w.input:
			if !ok {
				return nil
			}
			w.write(ctx, d)

		case <-ctx.Done():
			return context.Canceled
		}
	}
}

func (w *Writer) write(ctx context.Context, d datum.Datum) {
	if err := w.st.UpsertDatum(ctx, d); err != nil {
		writeErrors.Inc()
		w.logger.Error("Failed to store datum",
			zap.String("stream", d.Stream().String()),
			zap.Error(err),
		)
		return
	}
	datumsIngested.Inc()

	loc, err := w.zone(ctx, d.Subject)
	if err != nil {
		w.logger.Warn("Failed to resolve subject time zone, skipping stale marking",
			zap.String("subject", d.Subject.String()),
			zap.Error(err),
		)
		return
	}

	entry := store.StaleEntry{
		Subject:     d.Subject,
		SourceID:    d.SourceID,
		BucketStart: agg.BucketStart(d.Timestamp, loc, agg.Hour),
		Level:       agg.Hour,
		RequestedAt: time.Now(),
	}
	if err := w.st.MarkStale(ctx, entry); err != nil {
		w.logger.Error("Failed to mark stale bucket",
			zap.String("stream", entry.Stream().String()),
			zap.Time("bucket_start", entry.BucketStart),
			zap.Error(err),
		)
	}
}

func (w *Writer) zone(ctx context.Context, subject datum.Subject) (*time.Location, error) {
	w.mu.Lock()
	loc, ok := w.zones[subject]
	w.mu.Unlock()
	if ok {
		return loc, nil
	}

	loc, err := w.st.Zone(ctx, subject)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.zones[subject] = loc
	w.mu.Unlock()
	return loc, nil
}
