package datum

import "time"

// Samples is the payload of a datum: named instantaneous readings
// (e.g. watts), named accumulating readings (monotonic registers such
// as watt-hours, between resets), status values, and tags.
type Samples struct {
	Instantaneous map[string]Decimal
	Accumulating  map[string]Decimal
	Status        map[string]string
	Tags          []string
}

// NewSamples returns an empty, fully-allocated sample payload.
func NewSamples() Samples {
	return Samples{
		Instantaneous: make(map[string]Decimal),
		Accumulating:  make(map[string]Decimal),
		Status:        make(map[string]string),
	}
}

// IsEmpty reports whether the payload carries no readings at all.
func (s Samples) IsEmpty() bool {
	return len(s.Instantaneous) == 0 && len(s.Accumulating) == 0 &&
		len(s.Status) == 0 && len(s.Tags) == 0
}

// HasTag reports whether tag is present.
func (s Samples) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// InstantaneousStat is the re-aggregatable summary of one instantaneous
// property over a bucket. Count must be carried so coarser buckets can
// be derived from finer ones without re-reading raw data.
type InstantaneousStat struct {
	Mean  Decimal
	Min   Decimal
	Max   Decimal
	Count int64
}

// Reading is one raw accumulating register observation.
type Reading struct {
	Timestamp time.Time
	Value     Decimal
}

// AccumulatingStat is the summary of one accumulating property over a
// bucket: the net delta plus the first and last raw register values the
// bucket saw. First/Last are what parent buckets recompute from;
// summing child deltas would double count boundary rows.
type AccumulatingStat struct {
	Delta Decimal
	First Reading
	Last  Reading
	// Known is false when the bucket end had no register observation
	// to resolve a delta against (the trailing slot of a window).
	Known bool
}

// MergeInstantaneous combines child summaries of the same property into
// the parent summary: count-weighted mean, min of mins, max of maxes,
// summed counts. Zero-count children are ignored.
func MergeInstantaneous(children []InstantaneousStat) InstantaneousStat {
	var out InstantaneousStat
	weighted := Decimal{}
	for _, c := range children {
		if c.Count <= 0 {
			continue
		}
		if out.Count == 0 {
			out.Min = c.Min
			out.Max = c.Max
		} else {
			if c.Min.Cmp(out.Min) < 0 {
				out.Min = c.Min
			}
			if c.Max.Cmp(out.Max) > 0 {
				out.Max = c.Max
			}
		}
		weighted = weighted.Add(c.Mean.Mul(DecimalFromInt64(c.Count)))
		out.Count += c.Count
	}
	if out.Count > 0 {
		out.Mean = weighted.Div(DecimalFromInt64(out.Count))
	}
	return out
}
