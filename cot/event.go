package cot

import (
	"fmt"
	"time"
)

// DefaultVersion is the CoT schema version emitted by this library.
const DefaultVersion = "2.0"

// Event is a single Cursor-on-Target event. Immutable after construction;
// use the builder-style With helpers before calling NewEvent, or
// construct via EventSpec.
type Event struct {
	version string
	uid     Uid
	cotType CotType
	how     string
	time    time.Time
	start   time.Time
	stale   time.Time
	point   Position
	detail  Detail
}

// EventSpec carries the fields for constructing an Event.
type EventSpec struct {
	Version string // defaults to DefaultVersion
	Uid     Uid
	Type    CotType
	How     string
	Time    time.Time
	Start   time.Time
	Stale   time.Time
	Point   Position
	Detail  Detail
}

// NewEvent validates and builds an immutable event. Times are normalized
// to UTC; start must not be after stale.
func NewEvent(spec EventSpec) (Event, error) {
	if spec.Uid == "" {
		return Event{}, &InvalidUidError{Value: "", Reason: "empty"}
	}
	if spec.Type.String() == "" {
		return Event{}, &InvalidTypeError{Value: "", Reason: "empty"}
	}
	if spec.Time.IsZero() || spec.Start.IsZero() || spec.Stale.IsZero() {
		return Event{}, fmt.Errorf("cot: event times must be set")
	}
	if spec.Start.After(spec.Stale) {
		return Event{}, fmt.Errorf("cot: start %s after stale %s",
			spec.Start.UTC().Format(time.RFC3339Nano), spec.Stale.UTC().Format(time.RFC3339Nano))
	}

	version := spec.Version
	if version == "" {
		version = DefaultVersion
	}
	how := spec.How
	if how == "" {
		how = "m-g" // machine-generated GPS, the wire default
	}

	return Event{
		version: version,
		uid:     spec.Uid,
		cotType: spec.Type,
		how:     how,
		time:    spec.Time.UTC(),
		start:   spec.Start.UTC(),
		stale:   spec.Stale.UTC(),
		point:   spec.Point,
		detail:  spec.Detail,
	}, nil
}

// Version returns the CoT schema version.
func (e Event) Version() string { return e.version }

// Uid returns the entity identifier.
func (e Event) Uid() Uid { return e.uid }

// Type returns the CoT taxonomy type.
func (e Event) Type() CotType { return e.cotType }

// How returns the producer how-code.
func (e Event) How() string { return e.how }

// Time returns the producer-assigned event time (UTC).
func (e Event) Time() time.Time { return e.time }

// Start returns the validity start time (UTC).
func (e Event) Start() time.Time { return e.start }

// Stale returns the time after which the event is no longer authoritative.
func (e Event) Stale() time.Time { return e.stale }

// Point returns the event position.
func (e Event) Point() Position { return e.point }

// Detail returns the ordered detail payload.
func (e Event) Detail() Detail { return e.detail }
