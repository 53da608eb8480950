package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/solarnetwork/datumagg/internal/agg"
	"github.com/solarnetwork/datumagg/internal/datum"
)

// PGStore is the PostgreSQL-backed Store. Upserts rely on
// INSERT ... ON CONFLICT so last-write-wins and replace-on-conflict
// semantics come from the database's native atomic upsert.
type PGStore struct {
	db     *sql.DB
	prefix string
}

// NewPGStore wraps an open database handle. prefix is prepended to
// every table name (for example "datumagg_").
func NewPGStore(db *sql.DB, prefix string) *PGStore {
	return &PGStore{db: db, prefix: prefix}
}

var _ Store = (*PGStore)(nil)

func (s *PGStore) table(name string) string {
	return s.prefix + name
}

// sampleJSON is the stored form of a sample payload.
type sampleJSON struct {
	I map[string]datum.Decimal `json:"i,omitempty"`
	A map[string]datum.Decimal `json:"a,omitempty"`
	S map[string]string        `json:"s,omitempty"`
	T []string                 `json:"t,omitempty"`
}

type instStatJSON struct {
	Mean  datum.Decimal `json:"mean"`
	Min   datum.Decimal `json:"min"`
	Max   datum.Decimal `json:"max"`
	Count int64         `json:"count"`
}

type accStatJSON struct {
	Delta   datum.Decimal `json:"delta"`
	FirstTS time.Time     `json:"firstTs"`
	First   datum.Decimal `json:"first"`
	LastTS  time.Time     `json:"lastTs"`
	Last    datum.Decimal `json:"last"`
	Known   bool          `json:"known"`
}

type statsJSON struct {
	I map[string]instStatJSON `json:"i,omitempty"`
	A map[string]accStatJSON  `json:"a,omitempty"`
}

func encodeSamples(sm datum.Samples) ([]byte, error) {
	return json.Marshal(sampleJSON{I: sm.Instantaneous, A: sm.Accumulating, S: sm.Status, T: sm.Tags})
}

func decodeSamples(raw []byte) (datum.Samples, error) {
	var sj sampleJSON
	if err := json.Unmarshal(raw, &sj); err != nil {
		return datum.Samples{}, fmt.Errorf("decode samples: %w", err)
	}
	return datum.Samples{Instantaneous: sj.I, Accumulating: sj.A, Status: sj.S, Tags: sj.T}, nil
}

func encodeStats(row agg.AggregateRow) ([]byte, error) {
	sj := statsJSON{I: map[string]instStatJSON{}, A: map[string]accStatJSON{}}
	for p, st := range row.Instantaneous {
		sj.I[p] = instStatJSON{Mean: st.Mean, Min: st.Min, Max: st.Max, Count: st.Count}
	}
	for p, st := range row.Accumulating {
		sj.A[p] = accStatJSON{
			Delta: st.Delta, Known: st.Known,
			FirstTS: st.First.Timestamp, First: st.First.Value,
			LastTS: st.Last.Timestamp, Last: st.Last.Value,
		}
	}
	return json.Marshal(sj)
}

func decodeStats(raw []byte, row *agg.AggregateRow) error {
	var sj statsJSON
	if err := json.Unmarshal(raw, &sj); err != nil {
		return fmt.Errorf("decode stats: %w", err)
	}
	row.Instantaneous = map[string]datum.InstantaneousStat{}
	row.Accumulating = map[string]datum.AccumulatingStat{}
	for p, st := range sj.I {
		row.Instantaneous[p] = datum.InstantaneousStat{Mean: st.Mean, Min: st.Min, Max: st.Max, Count: st.Count}
	}
	for p, st := range sj.A {
		row.Accumulating[p] = datum.AccumulatingStat{
			Delta: st.Delta, Known: st.Known,
			First: datum.Reading{Timestamp: st.FirstTS, Value: st.First},
			Last:  datum.Reading{Timestamp: st.LastTS, Value: st.Last},
		}
	}
	return nil
}

func (s *PGStore) UpsertDatum(ctx context.Context, d datum.Datum) error {
	samples, err := encodeSamples(d.Samples)
	if err != nil {
		return fmt.Errorf("marshal samples: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (subject_kind, subject_id, source_id, ts, samples)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (subject_kind, subject_id, source_id, ts) DO UPDATE SET samples = EXCLUDED.samples`,
		s.table("datum"))
	_, err = s.db.ExecContext(ctx, q, d.Subject.Kind, d.Subject.ID, d.SourceID, d.Timestamp, samples)
	return err
}

func (s *PGStore) scanDatumRows(rows *sql.Rows, stream datum.StreamID) ([]datum.Datum, error) {
	var out []datum.Datum
	for rows.Next() {
		var ts time.Time
		var raw []byte
		if err := rows.Scan(&ts, &raw); err != nil {
			return nil, err
		}
		samples, err := decodeSamples(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, datum.Datum{Subject: stream.Subject, SourceID: stream.SourceID, Timestamp: ts, Samples: samples})
	}
	return out, rows.Err()
}

func (s *PGStore) ScanDatum(ctx context.Context, stream datum.StreamID, from, to time.Time) ([]datum.Datum, error) {
	q := fmt.Sprintf(`SELECT ts, samples FROM %s
		WHERE subject_kind = $1 AND subject_id = $2 AND source_id = $3 AND ts >= $4 AND ts <= $5
		ORDER BY ts`, s.table("datum"))
	rows, err := s.db.QueryContext(ctx, q, stream.Subject.Kind, stream.Subject.ID, stream.SourceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanDatumRows(rows, stream)
}

func (s *PGStore) pointDatum(ctx context.Context, stream datum.StreamID, cond, order string, args ...any) (*datum.Datum, error) {
	q := fmt.Sprintf(`SELECT ts, samples FROM %s
		WHERE subject_kind = $1 AND subject_id = $2 AND source_id = $3%s
		ORDER BY ts %s LIMIT 1`, s.table("datum"), cond, order)
	all := append([]any{stream.Subject.Kind, stream.Subject.ID, stream.SourceID}, args...)
	var ts time.Time
	var raw []byte
	err := s.db.QueryRowContext(ctx, q, all...).Scan(&ts, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	samples, err := decodeSamples(raw)
	if err != nil {
		return nil, err
	}
	return &datum.Datum{Subject: stream.Subject, SourceID: stream.SourceID, Timestamp: ts, Samples: samples}, nil
}

func (s *PGStore) LatestAtOrBefore(ctx context.Context, stream datum.StreamID, t time.Time) (*datum.Datum, error) {
	return s.pointDatum(ctx, stream, " AND ts <= $4", "DESC", t)
}

func (s *PGStore) EarliestAtOrAfter(ctx context.Context, stream datum.StreamID, t time.Time) (*datum.Datum, error) {
	return s.pointDatum(ctx, stream, " AND ts >= $4", "ASC", t)
}

func (s *PGStore) Earliest(ctx context.Context, stream datum.StreamID) (*datum.Datum, error) {
	return s.pointDatum(ctx, stream, "", "ASC")
}

func (s *PGStore) MostRecent(ctx context.Context, stream datum.StreamID) (*datum.Datum, error) {
	return s.pointDatum(ctx, stream, "", "DESC")
}

func (s *PGStore) ListSourceIDs(ctx context.Context, subject datum.Subject) ([]string, error) {
	q := fmt.Sprintf(`SELECT DISTINCT source_id FROM %s
		WHERE subject_kind = $1 AND subject_id = $2 ORDER BY source_id`, s.table("datum"))
	rows, err := s.db.QueryContext(ctx, q, subject.Kind, subject.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PGStore) UpsertReset(ctx context.Context, r datum.ResetRecord) error {
	final, err := json.Marshal(r.Final)
	if err != nil {
		return fmt.Errorf("marshal final: %w", err)
	}
	start, err := json.Marshal(r.Start)
	if err != nil {
		return fmt.Errorf("marshal start: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (subject_kind, subject_id, source_id, ts, final, start)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (subject_kind, subject_id, source_id, ts)
		DO UPDATE SET final = EXCLUDED.final, start = EXCLUDED.start`,
		s.table("datum_aux"))
	_, err = s.db.ExecContext(ctx, q, r.Subject.Kind, r.Subject.ID, r.SourceID, r.Timestamp, final, start)
	return err
}

func (s *PGStore) ScanResets(ctx context.Context, stream datum.StreamID, from, to time.Time) ([]datum.ResetRecord, error) {
	q := fmt.Sprintf(`SELECT ts, final, start FROM %s
		WHERE subject_kind = $1 AND subject_id = $2 AND source_id = $3 AND ts >= $4 AND ts <= $5
		ORDER BY ts`, s.table("datum_aux"))
	rows, err := s.db.QueryContext(ctx, q, stream.Subject.Kind, stream.Subject.ID, stream.SourceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []datum.ResetRecord
	for rows.Next() {
		var ts time.Time
		var rawFinal, rawStart []byte
		if err := rows.Scan(&ts, &rawFinal, &rawStart); err != nil {
			return nil, err
		}
		r := datum.ResetRecord{Subject: stream.Subject, SourceID: stream.SourceID, Timestamp: ts}
		if err := json.Unmarshal(rawFinal, &r.Final); err != nil {
			return nil, fmt.Errorf("decode final: %w", err)
		}
		if err := json.Unmarshal(rawStart, &r.Start); err != nil {
			return nil, fmt.Errorf("decode start: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) UpsertAggregate(ctx context.Context, row agg.AggregateRow) error {
	stats, err := encodeStats(row)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (subject_kind, subject_id, source_id, level, bucket_start, local_bucket, stats)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (subject_kind, subject_id, source_id, level, bucket_start)
		DO UPDATE SET local_bucket = EXCLUDED.local_bucket, stats = EXCLUDED.stats`,
		s.table("agg_datum"))
	_, err = s.db.ExecContext(ctx, q,
		row.Subject.Kind, row.Subject.ID, row.SourceID, row.Level, row.BucketStart, row.LocalBucket, stats)
	return err
}

func (s *PGStore) scanAggRows(rows *sql.Rows, stream datum.StreamID, level agg.Level) ([]agg.AggregateRow, error) {
	var out []agg.AggregateRow
	for rows.Next() {
		row := agg.AggregateRow{Subject: stream.Subject, SourceID: stream.SourceID, Level: level}
		var raw []byte
		if err := rows.Scan(&row.BucketStart, &row.LocalBucket, &raw); err != nil {
			return nil, err
		}
		if err := decodeStats(raw, &row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PGStore) ScanAggregates(ctx context.Context, stream datum.StreamID, level agg.Level, from, to time.Time) ([]agg.AggregateRow, error) {
	q := fmt.Sprintf(`SELECT bucket_start, local_bucket, stats FROM %s
		WHERE subject_kind = $1 AND subject_id = $2 AND source_id = $3 AND level = $4
		AND bucket_start >= $5 AND bucket_start < $6
		ORDER BY bucket_start`, s.table("agg_datum"))
	rows, err := s.db.QueryContext(ctx, q, stream.Subject.Kind, stream.Subject.ID, stream.SourceID, level, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanAggRows(rows, stream, level)
}

func (s *PGStore) LatestAggregate(ctx context.Context, stream datum.StreamID, level agg.Level) (*agg.AggregateRow, error) {
	q := fmt.Sprintf(`SELECT bucket_start, local_bucket, stats FROM %s
		WHERE subject_kind = $1 AND subject_id = $2 AND source_id = $3 AND level = $4
		ORDER BY bucket_start DESC LIMIT 1`, s.table("agg_datum"))
	row := agg.AggregateRow{Subject: stream.Subject, SourceID: stream.SourceID, Level: level}
	var raw []byte
	err := s.db.QueryRowContext(ctx, q, stream.Subject.Kind, stream.Subject.ID, stream.SourceID, level).
		Scan(&row.BucketStart, &row.LocalBucket, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := decodeStats(raw, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *PGStore) MarkStale(ctx context.Context, e StaleEntry) error {
	q := fmt.Sprintf(`INSERT INTO %s (subject_kind, subject_id, source_id, level, bucket_start, requested_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (subject_kind, subject_id, source_id, level, bucket_start) DO NOTHING`,
		s.table("agg_stale"))
	_, err := s.db.ExecContext(ctx, q,
		e.Subject.Kind, e.Subject.ID, e.SourceID, e.Level, e.BucketStart, e.RequestedAt)
	return err
}

func (s *PGStore) Claim(ctx context.Context, limit int) ([]StaleEntry, error) {
	q := fmt.Sprintf(`SELECT subject_kind, subject_id, source_id, level, bucket_start, requested_at FROM %s
		ORDER BY bucket_start, source_id LIMIT $1`, s.table("agg_stale"))
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StaleEntry
	for rows.Next() {
		var e StaleEntry
		if err := rows.Scan(&e.Subject.Kind, &e.Subject.ID, &e.SourceID, &e.Level, &e.BucketStart, &e.RequestedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) Delete(ctx context.Context, e StaleEntry) error {
	q := fmt.Sprintf(`DELETE FROM %s
		WHERE subject_kind = $1 AND subject_id = $2 AND source_id = $3 AND level = $4 AND bucket_start = $5`,
		s.table("agg_stale"))
	_, err := s.db.ExecContext(ctx, q, e.Subject.Kind, e.Subject.ID, e.SourceID, e.Level, e.BucketStart)
	return err
}

func (s *PGStore) Zone(ctx context.Context, subject datum.Subject) (*time.Location, error) {
	q := fmt.Sprintf(`SELECT time_zone FROM %s WHERE subject_kind = $1 AND subject_id = $2`,
		s.table("subject"))
	var tz string
	err := s.db.QueryRowContext(ctx, q, subject.Kind, subject.ID).Scan(&tz)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownSubject
	}
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("subject %v zone %q: %w", subject, tz, err)
	}
	return loc, nil
}
