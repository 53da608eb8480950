package agg

import (
	"sort"
	"time"

	"github.com/solarnetwork/datumagg/internal/datum"
)

// AccumulationMode selects how the boundary readings of an
// accumulation query are resolved.
type AccumulationMode uint8

const (
	// ModeAround resolves both boundaries to the latest reading at or
	// before the boundary instant (nearest-before on both ends).
	ModeAround AccumulationMode = iota
	// ModeWithin resolves the start to the earliest reading at or
	// after the start instant; ranges with no such reading yield no
	// result (strict containment).
	ModeWithin
)

func (m AccumulationMode) String() string {
	if m == ModeWithin {
		return "within"
	}
	return "around"
}

// ResetEvent is one register discontinuity for a single property:
// Final is the register value just before the reset, Start the value
// just after.
type ResetEvent struct {
	Timestamp time.Time
	Final     datum.Decimal
	Start     datum.Decimal
}

// ResetEventsFor extracts the per-property reset chain from reset
// records, keeping records that snapshot the property on both sides.
// Records are assumed ordered ascending by timestamp.
func ResetEventsFor(prop string, records []datum.ResetRecord) []ResetEvent {
	var out []ResetEvent
	for _, r := range records {
		final, okF := r.Final[prop]
		start, okS := r.Start[prop]
		if !okF || !okS {
			continue
		}
		out = append(out, ResetEvent{Timestamp: r.Timestamp, Final: final, Start: start})
	}
	return out
}

// ChainDelta computes the net register change from the start reading to
// the end reading, chained across the reset events strictly between
// them. With no events this degenerates to end − start.
func ChainDelta(start, end datum.Reading, events []ResetEvent) datum.Decimal {
	if len(events) == 0 {
		return end.Value.Sub(start.Value)
	}
	total := events[0].Final.Sub(start.Value)
	for i := 1; i < len(events); i++ {
		total = total.Add(events[i].Final.Sub(events[i-1].Start))
	}
	return total.Add(end.Value.Sub(events[len(events)-1].Start))
}

// PropertyAccumulation is the accumulation of one register over a
// range: the resolved boundary readings and the net delta between them.
type PropertyAccumulation struct {
	Property string
	Delta    datum.Decimal
	Start    datum.Reading
	End      datum.Reading
}

// AccumulationInput carries the raw rows an accumulation is computed
// from. Datums and Resets must be ordered ascending by timestamp; for
// ModeAround the datum slice should include the latest datum at or
// before Start when one exists.
type AccumulationInput struct {
	Start  time.Time
	End    time.Time
	Mode   AccumulationMode
	Datums []datum.Datum
	Resets []datum.ResetRecord
}

// Accumulate computes per-property accumulations for every accumulating
// property observed in the input, ordered by property name. Properties
// whose boundary readings cannot be resolved are absent from the
// result.
func Accumulate(in AccumulationInput) []PropertyAccumulation {
	props := map[string]struct{}{}
	for _, d := range in.Datums {
		for p := range d.Samples.Accumulating {
			props[p] = struct{}{}
		}
	}
	for _, r := range in.Resets {
		for p := range r.Final {
			props[p] = struct{}{}
		}
	}

	names := make([]string, 0, len(props))
	for p := range props {
		names = append(names, p)
	}
	sort.Strings(names)

	out := make([]PropertyAccumulation, 0, len(names))
	for _, p := range names {
		acc, ok := accumulateProperty(p, in)
		if ok {
			out = append(out, acc)
		}
	}
	return out
}

func accumulateProperty(prop string, in AccumulationInput) (PropertyAccumulation, bool) {
	readings := propertyReadings(prop, in.Datums)
	events := ResetEventsFor(prop, in.Resets)

	start, ok := resolveStart(readings, events, in)
	if !ok {
		return PropertyAccumulation{}, false
	}
	end, ok := resolveEnd(readings, events, in.End)
	if !ok || end.Timestamp.Before(start.Timestamp) {
		return PropertyAccumulation{}, false
	}

	between := eventsBetween(events, start.Timestamp, end.Timestamp)
	return PropertyAccumulation{
		Property: prop,
		Delta:    ChainDelta(start, end, between),
		Start:    start,
		End:      end,
	}, true
}

func propertyReadings(prop string, datums []datum.Datum) []datum.Reading {
	var out []datum.Reading
	for _, d := range datums {
		if v, ok := d.Samples.Accumulating[prop]; ok {
			out = append(out, datum.Reading{Timestamp: d.Timestamp, Value: v})
		}
	}
	return out
}

// resolveStart picks the start boundary reading. A reset event closer
// to the boundary than any raw reading substitutes for it, using the
// register value on the side of the reset facing the range.
func resolveStart(readings []datum.Reading, events []ResetEvent, in AccumulationInput) (datum.Reading, bool) {
	var raw *datum.Reading
	switch in.Mode {
	case ModeWithin:
		for i := range readings {
			if !readings[i].Timestamp.Before(in.Start) && !readings[i].Timestamp.After(in.End) {
				raw = &readings[i]
				break
			}
		}
	default: // ModeAround
		for i := range readings {
			if readings[i].Timestamp.After(in.Start) {
				break
			}
			raw = &readings[i]
		}
	}

	var reset *ResetEvent
	switch in.Mode {
	case ModeWithin:
		for i := range events {
			if !events[i].Timestamp.Before(in.Start) && !events[i].Timestamp.After(in.End) {
				reset = &events[i]
				break
			}
		}
	default:
		for i := range events {
			if events[i].Timestamp.After(in.Start) {
				break
			}
			reset = &events[i]
		}
	}

	switch {
	case raw == nil && reset == nil:
		return datum.Reading{}, false
	case raw == nil:
		return datum.Reading{Timestamp: reset.Timestamp, Value: reset.Start}, true
	case reset == nil:
		return *raw, true
	}
	// Both candidates exist: the one closer to the boundary wins.
	closer := false
	if in.Mode == ModeWithin {
		closer = reset.Timestamp.Before(raw.Timestamp)
	} else {
		closer = reset.Timestamp.After(raw.Timestamp)
	}
	if closer {
		return datum.Reading{Timestamp: reset.Timestamp, Value: reset.Start}, true
	}
	return *raw, true
}

// resolveEnd picks the end boundary reading: the latest raw reading at
// or before end, unless a reset event sits nearer the boundary, in
// which case the reset's final value anchors the end.
func resolveEnd(readings []datum.Reading, events []ResetEvent, end time.Time) (datum.Reading, bool) {
	var raw *datum.Reading
	for i := range readings {
		if readings[i].Timestamp.After(end) {
			break
		}
		raw = &readings[i]
	}
	var reset *ResetEvent
	for i := range events {
		if events[i].Timestamp.After(end) {
			break
		}
		reset = &events[i]
	}

	switch {
	case raw == nil && reset == nil:
		return datum.Reading{}, false
	case raw == nil:
		return datum.Reading{Timestamp: reset.Timestamp, Value: reset.Final}, true
	case reset == nil:
		return *raw, true
	}
	if reset.Timestamp.After(raw.Timestamp) {
		return datum.Reading{Timestamp: reset.Timestamp, Value: reset.Final}, true
	}
	return *raw, true
}

// eventsBetween returns events strictly inside (from, to).
func eventsBetween(events []ResetEvent, from, to time.Time) []ResetEvent {
	var out []ResetEvent
	for _, e := range events {
		if e.Timestamp.After(from) && e.Timestamp.Before(to) {
			out = append(out, e)
		}
	}
	return out
}
