package takproto

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Al2800/takrust/cot"
)

// Encode serializes an event to its TAK Protocol v1 payload. Fields are
// appended in ascending field-number order; optional fields at their
// default value are omitted.
func (c *Codec) Encode(ev cot.Event) ([]byte, error) {
	var b []byte

	b = appendString(b, fieldType, ev.Type().String())
	b = appendString(b, fieldUid, ev.Uid().String())
	b = appendString(b, fieldHow, ev.How())
	// The time fields are required, so they are emitted even at the
	// Unix epoch; only optional fields skip their default value.
	b = appendInt64Always(b, fieldTimeNs, ev.Time().UnixNano())
	b = appendInt64Always(b, fieldStartNs, ev.Start().UnixNano())
	b = appendInt64Always(b, fieldStaleNs, ev.Stale().UnixNano())

	pt := ev.Point()
	b = appendDouble(b, fieldLat, pt.Latitude())
	b = appendDouble(b, fieldLon, pt.Longitude())
	if hae, ok := pt.HAE(); ok {
		b = appendDoubleAlways(b, fieldHae, hae)
	}
	if ce, ok := pt.CE(); ok {
		b = appendDoubleAlways(b, fieldCe, ce)
	}
	if le, ok := pt.LE(); ok {
		b = appendDoubleAlways(b, fieldLe, le)
	}
	if ev.Version() != cot.DefaultVersion {
		b = appendString(b, fieldVersion, ev.Version())
	}

	for _, el := range ev.Detail().Elements() {
		sub, err := encodeDetailElement(el)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldDetail, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}

	if len(b) > c.maxProtobufBytes {
		return nil, &BudgetError{Size: len(b), Limit: c.maxProtobufBytes}
	}
	return b, nil
}

func encodeDetailElement(el cot.DetailElement) ([]byte, error) {
	var inner []byte
	var field protowire.Number

	switch v := el.(type) {
	case cot.Contact:
		field = fieldContact
		inner = appendString(inner, 1, v.Callsign)
		inner = appendString(inner, 2, v.Endpoint)
		inner = appendString(inner, 3, v.Phone)

	case cot.Group:
		field = fieldGroup
		inner = appendString(inner, 1, v.Name)
		inner = appendString(inner, 2, v.Role)

	case cot.Track:
		field = fieldTrack
		kin := v.Kinematics()
		// Presence-carrying doubles: emitted whenever set, zero included.
		if speed, ok := kin.Speed(); ok {
			inner = appendDoubleAlways(inner, 1, speed)
		}
		if course, ok := kin.Course(); ok {
			inner = appendDoubleAlways(inner, 2, course)
		}
		if vrate, ok := kin.VerticalRate(); ok {
			inner = appendDoubleAlways(inner, 3, vrate)
		}

	case cot.Status:
		field = fieldStatus
		inner = appendInt64(inner, 1, int64(v.Battery))
		inner = appendBool(inner, 2, v.Readiness)

	case cot.TakVersion:
		field = fieldTakv
		inner = appendString(inner, 1, v.Device)
		inner = appendString(inner, 2, v.Platform)
		inner = appendString(inner, 3, v.OS)
		inner = appendString(inner, 4, v.Version)

	case cot.Sensor:
		field = fieldSensor
		inner = appendString(inner, 1, v.Type)
		inner = appendString(inner, 2, v.Model)
		inner = appendDouble(inner, 3, v.Azimuth)
		inner = appendDouble(inner, 4, v.FOV)
		inner = appendDouble(inner, 5, v.RangeM)
		inner = appendDouble(inner, 6, v.Elevation)

	case cot.Link:
		field = fieldLink
		inner = appendString(inner, 1, v.Uid.String())
		inner = appendString(inner, 2, v.Type)
		inner = appendString(inner, 3, v.Relation)

	case cot.Remarks:
		field = fieldRemarks
		inner = appendString(inner, 1, v.Source)
		inner = appendString(inner, 2, v.Text)

	case cot.Shape:
		field = fieldShape
		inner = appendDouble(inner, 1, v.RadiusM)

	case cot.Geofence:
		field = fieldGeofence
		inner = appendString(inner, 1, v.Name)
		for _, vert := range v.Vertices {
			var vb []byte
			vb = appendDoubleAlways(vb, 1, vert.Latitude())
			vb = appendDoubleAlways(vb, 2, vert.Longitude())
			inner = protowire.AppendTag(inner, 2, protowire.BytesType)
			inner = protowire.AppendBytes(inner, vb)
		}

	case cot.Drone:
		field = fieldDrone
		inner = appendString(inner, 1, v.SerialNumber)
		inner = appendString(inner, 2, v.OperatorID)
		inner = appendDouble(inner, 3, v.HomeLat)
		inner = appendDouble(inner, 4, v.HomeLon)

	case cot.Provenance:
		field = fieldProvenance
		inner = appendString(inner, 1, v.Source)
		for _, cp := range v.Probabilities {
			var pb []byte
			pb = appendString(pb, 1, cp.Class)
			pb = appendDoubleAlways(pb, 2, cp.Probability)
			inner = protowire.AppendTag(inner, 2, protowire.BytesType)
			inner = protowire.AppendBytes(inner, pb)
		}

	case cot.Unknown:
		field = fieldUnknown
		inner = appendString(inner, 1, v.Name)
		inner = appendString(inner, 2, v.XML)

	case cot.Extension:
		field = fieldExtension
		inner = appendString(inner, 1, v.Key)
		if len(v.Bytes) > 0 {
			inner = protowire.AppendTag(inner, 2, protowire.BytesType)
			inner = protowire.AppendBytes(inner, v.Bytes)
		}

	default:
		return nil, &FieldError{Field: "detail", Cause: errUnknownKind(el)}
	}

	var b []byte
	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return b, nil
}

func errUnknownKind(el cot.DetailElement) error {
	return &SchemaError{Message: "detail element " + string(el.DetailKind())}
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	return appendInt64Always(b, num, v)
}

func appendInt64Always(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	return appendDoubleAlways(b, num, v)
}

func appendDoubleAlways(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}
