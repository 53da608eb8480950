package agg

import (
	"fmt"
	"time"
)

// Range is a computed query sub-range tagged with the resolution to use
// for it. Spans are half-open [Start, End). Ranges are transient query
// artifacts and are never persisted.
type Range struct {
	Start time.Time
	End   time.Time
	Level Level
}

func (r Range) String() string {
	return fmt.Sprintf("[%s,%s)@%s", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339), r.Level)
}

// Contains reports whether t falls inside the half-open span.
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Partition splits [start, end) into boundary-aligned sub-ranges: an
// optional leading partial at partial level up to the first target
// boundary, a full range at target level, and an optional trailing
// partial from the last target boundary. When the whole window is
// smaller than one target bucket a single partial range is returned.
//
// Alignment is evaluated in the times' location, so the same function
// serves absolute zoned inputs and local-calendar inputs (times built
// in a fixed location from calendar fields).
func Partition(start, end time.Time, target, partial Level) []Range {
	if !start.Before(end) {
		return nil
	}

	alignedStart := target.Truncate(start)
	if !alignedStart.Equal(start) {
		alignedStart = target.Next(alignedStart)
	}
	alignedEnd := target.Truncate(end)

	if alignedStart.Equal(start) && alignedEnd.Equal(end) {
		return []Range{{Start: start, End: end, Level: target}}
	}
	if !alignedStart.Before(alignedEnd) {
		return []Range{{Start: start, End: end, Level: partial}}
	}

	out := make([]Range, 0, 3)
	if start.Before(alignedStart) {
		out = append(out, Range{Start: start, End: alignedStart, Level: partial})
	}
	out = append(out, Range{Start: alignedStart, End: alignedEnd, Level: target})
	if alignedEnd.Before(end) {
		out = append(out, Range{Start: alignedEnd, End: end, Level: partial})
	}
	return out
}

// Buckets enumerates the starts of every level bucket intersecting
// [start, end), in ascending order. Enumeration walks wall-clock
// boundaries, so a skipped DST hour is absent and a repeated one
// appears once.
func Buckets(start, end time.Time, level Level) []time.Time {
	if !start.Before(end) {
		return nil
	}
	var out []time.Time
	cur := level.Truncate(start)
	for cur.Before(end) {
		out = append(out, cur)
		next := level.Next(cur)
		if !next.After(cur) {
			break
		}
		cur = next
	}
	return out
}
