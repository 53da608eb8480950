package datum

import (
	"fmt"
	"time"
)

// SubjectKind identifies what kind of entity a reading belongs to.
type SubjectKind uint8

const (
	// SubjectNode is a metering device or gateway node.
	SubjectNode SubjectKind = iota
	// SubjectLocation is a physical location aggregate.
	SubjectLocation
)

func (k SubjectKind) String() string {
	switch k {
	case SubjectNode:
		return "node"
	case SubjectLocation:
		return "location"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Subject identifies the owner of a stream of readings.
type Subject struct {
	Kind SubjectKind
	ID   int64
}

// NodeSubject is shorthand for a node subject.
func NodeSubject(id int64) Subject {
	return Subject{Kind: SubjectNode, ID: id}
}

// LocationSubject is shorthand for a location subject.
func LocationSubject(id int64) Subject {
	return Subject{Kind: SubjectLocation, ID: id}
}

func (s Subject) String() string {
	return fmt.Sprintf("%s:%d", s.Kind, s.ID)
}

// StreamID identifies one named channel of readings from a subject.
type StreamID struct {
	Subject  Subject
	SourceID string
}

func (id StreamID) String() string {
	return fmt.Sprintf("%s/%s", id.Subject, id.SourceID)
}

// Datum is one timestamped set of readings from a stream. Identity is
// (Subject, SourceID, Timestamp); a later store of the same identity
// replaces the prior samples.
type Datum struct {
	Subject   Subject
	SourceID  string
	Timestamp time.Time
	Samples   Samples
}

// Stream returns the datum's stream identity.
func (d Datum) Stream() StreamID {
	return StreamID{Subject: d.Subject, SourceID: d.SourceID}
}

// ResetRecord marks a discontinuity in a stream's accumulating
// registers, carrying the register snapshots just before ("final") and
// just after ("start") the reset. Reset records are reported by
// operators or devices; the engine only ever reads them.
type ResetRecord struct {
	Subject   Subject
	SourceID  string
	Timestamp time.Time

	// Final holds accumulating values immediately before the reset.
	Final map[string]Decimal
	// Start holds accumulating values immediately after the reset.
	Start map[string]Decimal
}

// Stream returns the reset record's stream identity.
func (r ResetRecord) Stream() StreamID {
	return StreamID{Subject: r.Subject, SourceID: r.SourceID}
}
