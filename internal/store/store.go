// Package store defines the persistence collaborator consumed by the
// aggregation engine, plus an in-memory implementation and a
// PostgreSQL adapter. The engine treats storage as an external keyed
// collaborator and holds no process-wide state of its own.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/solarnetwork/datumagg/internal/agg"
	"github.com/solarnetwork/datumagg/internal/datum"
)

var (
	// ErrUnknownSubject is returned by zone lookups for subjects the
	// store has no metadata for.
	ErrUnknownSubject = errors.New("unknown subject")
)

// DatumStore stores and scans raw datum rows. Upserts are
// last-write-wins on (subject, source, timestamp) and must be atomic
// under concurrent writers; the engine adds no locking of its own.
type DatumStore interface {
	UpsertDatum(ctx context.Context, d datum.Datum) error

	// ScanDatum returns the stream's datum with from <= ts <= to,
	// ascending. The inclusive upper bound lets a bucket fetch include
	// the boundary datum that anchors its accumulating delta.
	ScanDatum(ctx context.Context, stream datum.StreamID, from, to time.Time) ([]datum.Datum, error)

	// LatestAtOrBefore returns the newest datum with ts <= t, or nil.
	LatestAtOrBefore(ctx context.Context, stream datum.StreamID, t time.Time) (*datum.Datum, error)

	// EarliestAtOrAfter returns the oldest datum with ts >= t, or nil.
	EarliestAtOrAfter(ctx context.Context, stream datum.StreamID, t time.Time) (*datum.Datum, error)

	// Earliest and MostRecent return the stream's boundary datum, or
	// nil when the stream is empty. Most-recent queries are on the hot
	// path; adapters should serve MostRecent from a latest-reading
	// reporting index rather than ordering a raw-table scan.
	Earliest(ctx context.Context, stream datum.StreamID) (*datum.Datum, error)
	MostRecent(ctx context.Context, stream datum.StreamID) (*datum.Datum, error)

	// ListSourceIDs returns the distinct source IDs seen for a
	// subject, ascending.
	ListSourceIDs(ctx context.Context, subject datum.Subject) ([]string, error)
}

// ResetStore stores and scans auxiliary reset records.
type ResetStore interface {
	UpsertReset(ctx context.Context, r datum.ResetRecord) error

	// ScanResets returns the stream's reset records with
	// from <= ts <= to, ascending.
	ScanResets(ctx context.Context, stream datum.StreamID, from, to time.Time) ([]datum.ResetRecord, error)
}

// AggregateStore stores and scans precomputed aggregate rows.
// Upserts replace atomically on conflict so concurrent readers never
// observe a partially rolled-up row.
type AggregateStore interface {
	UpsertAggregate(ctx context.Context, row agg.AggregateRow) error

	// ScanAggregates returns rows whose bucket start lies in
	// [from, to), ascending by bucket start.
	ScanAggregates(ctx context.Context, stream datum.StreamID, level agg.Level, from, to time.Time) ([]agg.AggregateRow, error)

	// LatestAggregate returns the newest row at level, or nil.
	LatestAggregate(ctx context.Context, stream datum.StreamID, level agg.Level) (*agg.AggregateRow, error)
}

// StaleEntry marks one precomputed bucket needing recomputation.
type StaleEntry struct {
	Subject     datum.Subject
	SourceID    string
	BucketStart time.Time
	Level       agg.Level
	RequestedAt time.Time
}

// Stream returns the entry's stream identity.
func (e StaleEntry) Stream() datum.StreamID {
	return datum.StreamID{Subject: e.Subject, SourceID: e.SourceID}
}

// StaleQueue is the recomputation work queue. MarkStale is an
// idempotent upsert keyed by (subject, source, bucket, level):
// concurrent markers for overlapping ranges never create duplicates.
// The recompute batch collaborator claims entries and deletes them
// once processed.
type StaleQueue interface {
	MarkStale(ctx context.Context, e StaleEntry) error
	Claim(ctx context.Context, limit int) ([]StaleEntry, error)
	Delete(ctx context.Context, e StaleEntry) error
}

// ZoneStore resolves a subject's local time zone, which defines its
// bucket boundaries.
type ZoneStore interface {
	Zone(ctx context.Context, subject datum.Subject) (*time.Location, error)
}

// Store bundles every port the engine consumes.
type Store interface {
	DatumStore
	ResetStore
	AggregateStore
	StaleQueue
	ZoneStore
}
