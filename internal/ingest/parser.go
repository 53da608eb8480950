package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/solarnetwork/datumagg/internal/datum"
)

// datumMessage is the wire schema of one ingested datum. Sample values
// arrive as arbitrary JSON numbers; they are decoded through
// json.Number so register values keep their full decimal precision.
type datumMessage struct {
	SubjectKind string          `json:"subjectKind"`
	SubjectID   int64           `json:"subjectId"`
	SourceID    string          `json:"sourceId"`
	Created     json.RawMessage `json:"created"`
	Samples     samplesMessage  `json:"samples"`
}

type samplesMessage struct {
	I map[string]json.Number `json:"i"`
	A map[string]json.Number `json:"a"`
	S map[string]string      `json:"s"`
	T []string               `json:"t"`
}

// ParseDatumJSON parses one datum message. It returns
// ErrJSONUnmarshalFailed (wrapping the original error) when the payload
// is not valid JSON, and ErrMissingField when required identity fields
// are absent.
func ParseDatumJSON(data []byte) (datum.Datum, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var msg datumMessage
	if err := dec.Decode(&msg); err != nil {
		return datum.Datum{}, fmt.Errorf("%w: %w", ErrJSONUnmarshalFailed, err)
	}

	if msg.SubjectID == 0 {
		return datum.Datum{}, fmt.Errorf("%w: subjectId", ErrMissingField)
	}
	if msg.SourceID == "" {
		return datum.Datum{}, fmt.Errorf("%w: sourceId", ErrMissingField)
	}
	ts, err := parseCreated(msg.Created)
	if err != nil {
		return datum.Datum{}, err
	}

	kind := datum.SubjectNode
	if msg.SubjectKind == "location" {
		kind = datum.SubjectLocation
	}

	samples := datum.NewSamples()
	for name, num := range msg.Samples.I {
		v, err := datum.ParseDecimal(num.String())
		if err != nil {
			return datum.Datum{}, fmt.Errorf("%w: instantaneous %q: %w", ErrJSONUnmarshalFailed, name, err)
		}
		samples.Instantaneous[name] = v
	}
	for name, num := range msg.Samples.A {
		v, err := datum.ParseDecimal(num.String())
		if err != nil {
			return datum.Datum{}, fmt.Errorf("%w: accumulating %q: %w", ErrJSONUnmarshalFailed, name, err)
		}
		samples.Accumulating[name] = v
	}
	for name, v := range msg.Samples.S {
		samples.Status[name] = v
	}
	samples.Tags = msg.Samples.T

	return datum.Datum{
		Subject:   datum.Subject{Kind: kind, ID: msg.SubjectID},
		SourceID:  msg.SourceID,
		Timestamp: ts,
		Samples:   samples,
	}, nil
}

// parseCreated accepts the common timestamp encodings: an RFC 3339
// string (with or without sub-second precision) or a Unix millisecond
// number.
func parseCreated(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("%w: created", ErrMissingField)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, format := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(format, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: created: unrecognized timestamp %q", ErrJSONUnmarshalFailed, s)
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: created", ErrJSONUnmarshalFailed)
}
