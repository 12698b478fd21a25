package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Al2800/takrust/errors"
)

// TelemetryChannel is the audit-stream channel negotiation transitions
// are recorded on.
const TelemetryChannel = "wire.negotiation.v1"

// TelemetryEvent records one negotiation transition for the audit stream.
type TelemetryEvent struct {
	Session  uint64
	Sequence uint64
	State    State
	Event    Event
}

// Telemetry accumulates transitions and assigns sequence numbers.
type Telemetry struct {
	events []TelemetryEvent
}

// Emit records a transition and returns the sequenced event.
func (t *Telemetry) Emit(session uint64, state State, ev Event) TelemetryEvent {
	te := TelemetryEvent{
		Session:  session,
		Sequence: uint64(len(t.events)),
		State:    state,
		Event:    ev,
	}
	t.events = append(t.events, te)
	return te
}

// Events returns all recorded transitions in emission order.
func (t *Telemetry) Events() []TelemetryEvent { return t.events }

// EncodeRecordPayload serializes the event for the record stream. The
// encoding is deterministic key=value text so replayed audits compare
// byte-for-byte.
func (te TelemetryEvent) EncodeRecordPayload() []byte {
	return []byte(fmt.Sprintf("session=%d;sequence=%d;state=%s;kind=%s;reason=%s",
		te.Session, te.Sequence, te.State, te.Event.Kind, te.Event.Reason))
}

// DecodeTelemetryPayload parses a record payload produced by
// EncodeRecordPayload.
func DecodeTelemetryPayload(payload []byte) (TelemetryEvent, error) {
	var te TelemetryEvent
	var haveSession, haveSequence, haveState, haveKind, haveReason bool

	for _, field := range strings.Split(string(payload), ";") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return TelemetryEvent{}, fmt.Errorf("wire: telemetry field %q: %w", field, errors.ErrMalformedControl)
		}
		switch key {
		case "session":
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return TelemetryEvent{}, fmt.Errorf("wire: telemetry session %q: %w", value, errors.ErrMalformedControl)
			}
			te.Session, haveSession = v, true
		case "sequence":
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return TelemetryEvent{}, fmt.Errorf("wire: telemetry sequence %q: %w", value, errors.ErrMalformedControl)
			}
			te.Sequence, haveSequence = v, true
		case "state":
			s, err := parseState(value)
			if err != nil {
				return TelemetryEvent{}, err
			}
			te.State, haveState = s, true
		case "kind":
			k, err := parseEventKind(value)
			if err != nil {
				return TelemetryEvent{}, err
			}
			te.Event.Kind, haveKind = k, true
		case "reason":
			r, err := parseReason(value)
			if err != nil {
				return TelemetryEvent{}, err
			}
			te.Event.Reason, haveReason = r, true
		}
	}

	if !haveSession || !haveSequence || !haveState || !haveKind || !haveReason {
		return TelemetryEvent{}, fmt.Errorf("wire: telemetry payload incomplete: %w", errors.ErrMalformedControl)
	}
	return te, nil
}

func parseState(s string) (State, error) {
	for _, candidate := range []State{StateLegacyXML, StateAwaitingResponse, StateTakProtoV1, StateTerminated} {
		if candidate.String() == s {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("wire: telemetry state %q: %w", s, errors.ErrMalformedControl)
}

func parseEventKind(s string) (EventKind, error) {
	for _, candidate := range []EventKind{KindNoChange, KindUpgradeAccepted, KindFallbackToLegacy, KindTerminated} {
		if candidate.String() == s {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("wire: telemetry kind %q: %w", s, errors.ErrMalformedControl)
}

func parseReason(s string) (Reason, error) {
	for _, candidate := range []Reason{ReasonNone, ReasonTimeout, ReasonMalformedControl, ReasonUnsupportedVersion, ReasonPolicyDenied} {
		if candidate.String() == s {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("wire: telemetry reason %q: %w", s, errors.ErrMalformedControl)
}
