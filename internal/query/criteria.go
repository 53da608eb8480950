package query

import (
	"fmt"
	"time"

	"github.com/solarnetwork/datumagg/internal/agg"
	"github.com/solarnetwork/datumagg/internal/datum"
)

// defaultMaxResults bounds a result page when the caller sets no limit.
const defaultMaxResults = 1000

// Criteria is a read-only query description. Exactly one of the
// absolute (Start/End) or local (LocalStart/LocalEnd) range forms may
// be set; local values are calendar wall-clock values built with
// agg.NewLocal and are resolved per subject time zone.
type Criteria struct {
	Subjects []datum.Subject
	Sources  []string

	// SubjectMappings maps a virtual subject ID to the real subjects
	// merged under it. SourceMappings does the same for source IDs.
	// Mappings are many-to-one; constituents are combined within the
	// same local bucket only.
	SubjectMappings map[int64][]datum.Subject
	SourceMappings  map[string][]string

	Start      *time.Time
	End        *time.Time
	LocalStart *time.Time
	LocalEnd   *time.Time

	Aggregation        agg.Level
	PartialAggregation agg.Level

	MostRecent bool

	Offset int
	Max    int

	// WithoutTotalResultsCount skips the total-count computation,
	// leaving ResultPage.TotalCount nil.
	WithoutTotalResultsCount bool
}

// mostRecentLevels are the aggregation levels that may combine with
// MostRecent, resolving to the single latest bucket at that level per
// stream. Everything else is rejected.
var mostRecentLevels = map[agg.Level]bool{
	agg.None:  true,
	agg.Hour:  true,
	agg.Day:   true,
	agg.Month: true,
	agg.Year:  true,
}

// Validate reports the first contradiction in the criteria, wrapped in
// ErrInvalidCriteria.
func (c Criteria) Validate() error {
	if len(c.Subjects) == 0 && len(c.SubjectMappings) == 0 {
		return fmt.Errorf("%w: at least one subject is required", ErrInvalidCriteria)
	}
	hasAbs := c.Start != nil || c.End != nil
	hasLocal := c.LocalStart != nil || c.LocalEnd != nil
	if hasAbs && hasLocal {
		return fmt.Errorf("%w: absolute and local date ranges are mutually exclusive", ErrInvalidCriteria)
	}
	if c.Start != nil && c.End != nil && !c.Start.Before(*c.End) {
		return fmt.Errorf("%w: start date must be before end date", ErrInvalidCriteria)
	}
	if c.LocalStart != nil && c.LocalEnd != nil && !c.LocalStart.Before(*c.LocalEnd) {
		return fmt.Errorf("%w: local start date must be before local end date", ErrInvalidCriteria)
	}
	if c.MostRecent {
		if !mostRecentLevels[c.Aggregation] {
			return fmt.Errorf("%w: most-recent cannot combine with aggregation %s", ErrInvalidCriteria, c.Aggregation)
		}
		if c.PartialAggregation != agg.None {
			return fmt.Errorf("%w: most-recent cannot combine with partial aggregation", ErrInvalidCriteria)
		}
	}
	if c.PartialAggregation != agg.None {
		if c.Aggregation == agg.None {
			return fmt.Errorf("%w: partial aggregation requires an aggregation level", ErrInvalidCriteria)
		}
		if agg.Compare(c.PartialAggregation, c.Aggregation) >= 0 {
			return fmt.Errorf("%w: partial aggregation %s must be finer than %s",
				ErrInvalidCriteria, c.PartialAggregation, c.Aggregation)
		}
	}
	if !c.MostRecent && !hasAbs && !hasLocal && c.Aggregation != agg.RunningTotal {
		return fmt.Errorf("%w: a date range is required", ErrInvalidCriteria)
	}
	if c.Offset < 0 || c.Max < 0 {
		return fmt.Errorf("%w: negative paging values", ErrInvalidCriteria)
	}
	return nil
}

// WithDefaults returns a copy with unset optional fields filled in.
// maxResults is the configured page cap; non-positive values fall back
// to the built-in default. Criteria are read-only; defaulting is an
// explicit pure function rather than any dynamic fill-in proxying.
func (c Criteria) WithDefaults(maxResults int) Criteria {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	if c.Max == 0 {
		c.Max = maxResults
	}
	return c
}

// virtualSubject resolves the ID a physical subject reports under: its
// mapped virtual ID when a mapping claims it, otherwise its own ID.
func (c Criteria) virtualSubject(s datum.Subject) int64 {
	for vid, subs := range c.SubjectMappings {
		for _, sub := range subs {
			if sub == s {
				return vid
			}
		}
	}
	return s.ID
}

// virtualSource resolves the source ID a physical source reports under.
func (c Criteria) virtualSource(source string) string {
	for vid, sources := range c.SourceMappings {
		for _, s := range sources {
			if s == source {
				return vid
			}
		}
	}
	return source
}

// physicalSubjects returns every real subject the criteria select,
// merging the explicit set with mapping constituents, preserving
// first-seen order.
func (c Criteria) physicalSubjects() []datum.Subject {
	seen := map[datum.Subject]bool{}
	var out []datum.Subject
	add := func(s datum.Subject) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range c.Subjects {
		add(s)
	}
	for _, subs := range c.SubjectMappings {
		for _, s := range subs {
			add(s)
		}
	}
	return out
}

// physicalSources returns the real source IDs the criteria select, or
// nil when every source of each subject should be included.
func (c Criteria) physicalSources() []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range c.Sources {
		add(s)
	}
	for _, sources := range c.SourceMappings {
		for _, s := range sources {
			add(s)
		}
	}
	return out
}

// absoluteRange resolves the criteria's date range to absolute instants
// for a subject in loc. Local values resolve by wall-clock fields.
func (c Criteria) absoluteRange(loc *time.Location) (time.Time, time.Time, bool) {
	if c.Start != nil && c.End != nil {
		return *c.Start, *c.End, true
	}
	if c.LocalStart != nil && c.LocalEnd != nil {
		return agg.FromLocal(*c.LocalStart, loc), agg.FromLocal(*c.LocalEnd, loc), true
	}
	return time.Time{}, time.Time{}, false
}
