package agg

import "time"

// localMarker is the location local-calendar values are carried in. A
// local date-time has no zone of its own; it is represented as a
// time.Time in UTC whose calendar fields are the wall-clock values.
var localMarker = time.UTC

// NewLocal builds a local-calendar value from wall-clock fields.
func NewLocal(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, localMarker)
}

// FromLocal resolves a local-calendar value to the absolute instant
// with the same wall-clock fields in loc. During a DST gap the
// normalized instant after the gap is used; during a fold the first
// occurrence is used, matching time.Date.
func FromLocal(local time.Time, loc *time.Location) time.Time {
	y, mo, d := local.Date()
	return time.Date(y, mo, d, local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), loc)
}

// ToLocal strips the zone from an instant, keeping its wall-clock
// fields in loc as a local-calendar value.
func ToLocal(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	y, mo, d := lt.Date()
	return time.Date(y, mo, d, lt.Hour(), lt.Minute(), lt.Second(), lt.Nanosecond(), localMarker)
}

// BucketStart returns the absolute instant starting the level bucket
// that contains t in loc. This is the canonical bucket key: grouping by
// it folds both absolute occurrences of a repeated DST wall hour into
// one bucket.
func BucketStart(t time.Time, loc *time.Location, level Level) time.Time {
	return level.Truncate(t.In(loc))
}
