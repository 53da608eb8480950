package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/solarnetwork/datumagg/internal/agg"
	"github.com/solarnetwork/datumagg/internal/datum"
)

// MemStore is an in-process Store used by engine tests and local runs.
// All operations are safe for concurrent use.
type MemStore struct {
	mu      sync.RWMutex
	datums  map[datum.StreamID][]datum.Datum
	resets  map[datum.StreamID][]datum.ResetRecord
	aggs    map[aggKey][]agg.AggregateRow
	stale   map[staleKey]StaleEntry
	zones   map[datum.Subject]*time.Location
}

type aggKey struct {
	stream datum.StreamID
	level  agg.Level
}

type staleKey struct {
	stream datum.StreamID
	bucket int64 // unix nanos of bucket start
	level  agg.Level
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		datums: make(map[datum.StreamID][]datum.Datum),
		resets: make(map[datum.StreamID][]datum.ResetRecord),
		aggs:   make(map[aggKey][]agg.AggregateRow),
		stale:  make(map[staleKey]StaleEntry),
		zones:  make(map[datum.Subject]*time.Location),
	}
}

var _ Store = (*MemStore)(nil)

// SetZone registers a subject's local time zone.
func (m *MemStore) SetZone(subject datum.Subject, loc *time.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zones[subject] = loc
}

func (m *MemStore) Zone(_ context.Context, subject datum.Subject) (*time.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.zones[subject]
	if !ok {
		return nil, ErrUnknownSubject
	}
	return loc, nil
}

func (m *MemStore) UpsertDatum(_ context.Context, d datum.Datum) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := d.Stream()
	rows := m.datums[key]
	i := sort.Search(len(rows), func(i int) bool {
		return !rows[i].Timestamp.Before(d.Timestamp)
	})
	if i < len(rows) && rows[i].Timestamp.Equal(d.Timestamp) {
		rows[i] = d // last write wins
	} else {
		rows = append(rows, datum.Datum{})
		copy(rows[i+1:], rows[i:])
		rows[i] = d
	}
	m.datums[key] = rows
	return nil
}

func (m *MemStore) ScanDatum(_ context.Context, stream datum.StreamID, from, to time.Time) ([]datum.Datum, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []datum.Datum
	for _, d := range m.datums[stream] {
		if d.Timestamp.Before(from) || d.Timestamp.After(to) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *MemStore) LatestAtOrBefore(_ context.Context, stream datum.StreamID, t time.Time) (*datum.Datum, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.datums[stream]
	for i := len(rows) - 1; i >= 0; i-- {
		if !rows[i].Timestamp.After(t) {
			d := rows[i]
			return &d, nil
		}
	}
	return nil, nil
}

func (m *MemStore) EarliestAtOrAfter(_ context.Context, stream datum.StreamID, t time.Time) (*datum.Datum, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.datums[stream] {
		if !d.Timestamp.Before(t) {
			out := d
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemStore) Earliest(_ context.Context, stream datum.StreamID) (*datum.Datum, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.datums[stream]
	if len(rows) == 0 {
		return nil, nil
	}
	d := rows[0]
	return &d, nil
}

func (m *MemStore) MostRecent(_ context.Context, stream datum.StreamID) (*datum.Datum, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.datums[stream]
	if len(rows) == 0 {
		return nil, nil
	}
	d := rows[len(rows)-1]
	return &d, nil
}

func (m *MemStore) ListSourceIDs(_ context.Context, subject datum.Subject) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{}
	for stream := range m.datums {
		if stream.Subject == subject {
			seen[stream.SourceID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) UpsertReset(_ context.Context, r datum.ResetRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.Stream()
	rows := m.resets[key]
	i := sort.Search(len(rows), func(i int) bool {
		return !rows[i].Timestamp.Before(r.Timestamp)
	})
	if i < len(rows) && rows[i].Timestamp.Equal(r.Timestamp) {
		rows[i] = r
	} else {
		rows = append(rows, datum.ResetRecord{})
		copy(rows[i+1:], rows[i:])
		rows[i] = r
	}
	m.resets[key] = rows
	return nil
}

func (m *MemStore) ScanResets(_ context.Context, stream datum.StreamID, from, to time.Time) ([]datum.ResetRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []datum.ResetRecord
	for _, r := range m.resets[stream] {
		if r.Timestamp.Before(from) || r.Timestamp.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *MemStore) UpsertAggregate(_ context.Context, row agg.AggregateRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aggKey{stream: row.Stream(), level: row.Level}
	rows := m.aggs[key]
	i := sort.Search(len(rows), func(i int) bool {
		return !rows[i].BucketStart.Before(row.BucketStart)
	})
	if i < len(rows) && rows[i].BucketStart.Equal(row.BucketStart) {
		rows[i] = row // atomic replace on conflict
	} else {
		rows = append(rows, agg.AggregateRow{})
		copy(rows[i+1:], rows[i:])
		rows[i] = row
	}
	m.aggs[key] = rows
	return nil
}

func (m *MemStore) ScanAggregates(_ context.Context, stream datum.StreamID, level agg.Level, from, to time.Time) ([]agg.AggregateRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []agg.AggregateRow
	for _, row := range m.aggs[aggKey{stream: stream, level: level}] {
		if row.BucketStart.Before(from) || !row.BucketStart.Before(to) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (m *MemStore) LatestAggregate(_ context.Context, stream datum.StreamID, level agg.Level) (*agg.AggregateRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.aggs[aggKey{stream: stream, level: level}]
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[len(rows)-1]
	return &row, nil
}

func (m *MemStore) MarkStale(_ context.Context, e StaleEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := staleKey{stream: e.Stream(), bucket: e.BucketStart.UnixNano(), level: e.Level}
	if _, ok := m.stale[key]; ok {
		return nil // idempotent: keep the original request time
	}
	m.stale[key] = e
	return nil
}

func (m *MemStore) Claim(_ context.Context, limit int) ([]StaleEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StaleEntry, 0, len(m.stale))
	for _, e := range m.stale {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BucketStart.Equal(out[j].BucketStart) {
			return out[i].BucketStart.Before(out[j].BucketStart)
		}
		return out[i].SourceID < out[j].SourceID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) Delete(_ context.Context, e StaleEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stale, staleKey{stream: e.Stream(), bucket: e.BucketStart.UnixNano(), level: e.Level})
	return nil
}

// StaleCount reports the queue depth, for tests.
func (m *MemStore) StaleCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.stale)
}
