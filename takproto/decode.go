package takproto

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Al2800/takrust/cot"
)

// Decode parses a TAK Protocol v1 payload into an event. The payload size
// is checked against the protobuf budget before any parsing; unknown
// field numbers inside the event or a detail element are a schema
// mismatch; scalar values are validated through the model factories.
func (c *Codec) Decode(payload []byte) (cot.Event, error) {
	if len(payload) > c.maxProtobufBytes {
		return cot.Event{}, &BudgetError{Size: len(payload), Limit: c.maxProtobufBytes}
	}

	var (
		spec                 cot.EventSpec
		lat, lon             float64
		hae, ce, le          float64
		hasHae, hasCe, hasLe bool
		elements             []cot.DetailElement
	)

	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return cot.Event{}, &FieldError{Field: "tag", Cause: protowire.ParseError(n)}
		}
		b = b[n:]

		switch num {
		case fieldType:
			s, n, err := consumeString(b, typ, "type")
			if err != nil {
				return cot.Event{}, err
			}
			b = b[n:]
			ct, err := cot.NewCotType(s)
			if err != nil {
				return cot.Event{}, &FieldError{Field: "type", Cause: err}
			}
			spec.Type = ct
		case fieldUid:
			s, n, err := consumeString(b, typ, "uid")
			if err != nil {
				return cot.Event{}, err
			}
			b = b[n:]
			uid, err := cot.NewUid(s)
			if err != nil {
				return cot.Event{}, &FieldError{Field: "uid", Cause: err}
			}
			spec.Uid = uid
		case fieldHow:
			s, n, err := consumeString(b, typ, "how")
			if err != nil {
				return cot.Event{}, err
			}
			b = b[n:]
			spec.How = s
		case fieldTimeNs:
			v, n, err := consumeVarint(b, typ, "time_ns")
			if err != nil {
				return cot.Event{}, err
			}
			b = b[n:]
			spec.Time = time.Unix(0, int64(v)).UTC()
		case fieldStartNs:
			v, n, err := consumeVarint(b, typ, "start_ns")
			if err != nil {
				return cot.Event{}, err
			}
			b = b[n:]
			spec.Start = time.Unix(0, int64(v)).UTC()
		case fieldStaleNs:
			v, n, err := consumeVarint(b, typ, "stale_ns")
			if err != nil {
				return cot.Event{}, err
			}
			b = b[n:]
			spec.Stale = time.Unix(0, int64(v)).UTC()
		case fieldLat:
			v, n, err := consumeDouble(b, typ, "lat")
			if err != nil {
				return cot.Event{}, err
			}
			b = b[n:]
			lat = v
		case fieldLon:
			v, n, err := consumeDouble(b, typ, "lon")
			if err != nil {
				return cot.Event{}, err
			}
			b = b[n:]
			lon = v
		case fieldHae:
			v, n, err := consumeDouble(b, typ, "hae")
			if err != nil {
				return cot.Event{}, err
			}
			b = b[n:]
			hae, hasHae = v, true
		case fieldCe:
			v, n, err := consumeDouble(b, typ, "ce")
			if err != nil {
				return cot.Event{}, err
			}
			b = b[n:]
			ce, hasCe = v, true
		case fieldLe:
			v, n, err := consumeDouble(b, typ, "le")
			if err != nil {
				return cot.Event{}, err
			}
			b = b[n:]
			le, hasLe = v, true
		case fieldVersion:
			s, n, err := consumeString(b, typ, "version")
			if err != nil {
				return cot.Event{}, err
			}
			b = b[n:]
			spec.Version = s
		case fieldDetail:
			sub, n, err := consumeBytes(b, typ, "detail")
			if err != nil {
				return cot.Event{}, err
			}
			b = b[n:]
			el, err := decodeDetailElement(sub)
			if err != nil {
				return cot.Event{}, err
			}
			elements = append(elements, el)
		default:
			return cot.Event{}, &SchemaError{Message: "event", Field: num}
		}
	}

	pos, err := cot.NewPosition(lat, lon)
	if err != nil {
		return cot.Event{}, &FieldError{Field: "point", Cause: err}
	}
	if hasHae {
		if pos, err = pos.WithHAE(hae); err != nil {
			return cot.Event{}, &FieldError{Field: "hae", Cause: err}
		}
	}
	if hasCe {
		if pos, err = pos.WithCE(ce); err != nil {
			return cot.Event{}, &FieldError{Field: "ce", Cause: err}
		}
	}
	if hasLe {
		if pos, err = pos.WithLE(le); err != nil {
			return cot.Event{}, &FieldError{Field: "le", Cause: err}
		}
	}
	spec.Point = pos

	detail, err := cot.NewDetail(elements)
	if err != nil {
		return cot.Event{}, &FieldError{Field: "detail", Cause: err}
	}
	spec.Detail = detail

	ev, err := cot.NewEvent(spec)
	if err != nil {
		return cot.Event{}, &FieldError{Field: "event", Cause: err}
	}
	return ev, nil
}

func decodeDetailElement(b []byte) (cot.DetailElement, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return nil, &FieldError{Field: "detail tag", Cause: protowire.ParseError(n)}
	}
	b = b[n:]
	inner, n, err := consumeBytes(b, typ, "detail element")
	if err != nil {
		return nil, err
	}
	if len(b[n:]) != 0 {
		return nil, &SchemaError{Message: "detail element trailer", Field: num}
	}

	switch num {
	case fieldContact:
		f, err := stringFields(inner, 3, "contact")
		if err != nil {
			return nil, err
		}
		return cot.Contact{Callsign: f[1], Endpoint: f[2], Phone: f[3]}, nil

	case fieldGroup:
		f, err := stringFields(inner, 2, "group")
		if err != nil {
			return nil, err
		}
		return cot.Group{Name: f[1], Role: f[2]}, nil

	case fieldTrack:
		speed, course, vrate := math.NaN(), math.NaN(), math.NaN()
		err := eachField(inner, "track", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			v, n, err := consumeDouble(b, typ, "track")
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				speed = v
			case 2:
				course = v
			case 3:
				vrate = v
			default:
				return 0, &SchemaError{Message: "track", Field: num}
			}
			return n, nil
		})
		if err != nil {
			return nil, err
		}
		kin, err := cot.NewKinematics(speed, course, vrate)
		if err != nil {
			return nil, &FieldError{Field: "track", Cause: err}
		}
		trk, err := cot.NewTrack(kin)
		if err != nil {
			return nil, &FieldError{Field: "track", Cause: err}
		}
		return trk, nil

	case fieldStatus:
		var status cot.Status
		err := eachField(inner, "status", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			v, n, err := consumeVarint(b, typ, "status")
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				status.Battery = int(v)
			case 2:
				status.Readiness = v != 0
			default:
				return 0, &SchemaError{Message: "status", Field: num}
			}
			return n, nil
		})
		if err != nil {
			return nil, err
		}
		return status, nil

	case fieldTakv:
		f, err := stringFields(inner, 4, "takv")
		if err != nil {
			return nil, err
		}
		return cot.TakVersion{Device: f[1], Platform: f[2], OS: f[3], Version: f[4]}, nil

	case fieldSensor:
		var s cot.Sensor
		err := eachField(inner, "sensor", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1, 2:
				v, n, err := consumeString(b, typ, "sensor")
				if err != nil {
					return 0, err
				}
				if num == 1 {
					s.Type = v
				} else {
					s.Model = v
				}
				return n, nil
			case 3, 4, 5, 6:
				v, n, err := consumeDouble(b, typ, "sensor")
				if err != nil {
					return 0, err
				}
				switch num {
				case 3:
					s.Azimuth = v
				case 4:
					s.FOV = v
				case 5:
					s.RangeM = v
				case 6:
					s.Elevation = v
				}
				return n, nil
			default:
				return 0, &SchemaError{Message: "sensor", Field: num}
			}
		})
		if err != nil {
			return nil, err
		}
		return s, nil

	case fieldLink:
		f, err := stringFields(inner, 3, "link")
		if err != nil {
			return nil, err
		}
		uid, err := cot.NewUid(f[1])
		if err != nil {
			return nil, &FieldError{Field: "link.uid", Cause: err}
		}
		return cot.Link{Uid: uid, Type: f[2], Relation: f[3]}, nil

	case fieldRemarks:
		f, err := stringFields(inner, 2, "remarks")
		if err != nil {
			return nil, err
		}
		return cot.Remarks{Source: f[1], Text: f[2]}, nil

	case fieldShape:
		var radius float64
		err := eachField(inner, "shape", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num != 1 {
				return 0, &SchemaError{Message: "shape", Field: num}
			}
			v, n, err := consumeDouble(b, typ, "shape")
			if err != nil {
				return 0, err
			}
			radius = v
			return n, nil
		})
		if err != nil {
			return nil, err
		}
		return cot.Shape{RadiusM: radius}, nil

	case fieldGeofence:
		var fence cot.Geofence
		err := eachField(inner, "geofence", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				v, n, err := consumeString(b, typ, "geofence.name")
				if err != nil {
					return 0, err
				}
				fence.Name = v
				return n, nil
			case 2:
				vb, n, err := consumeBytes(b, typ, "geofence.vertex")
				if err != nil {
					return 0, err
				}
				var lat, lon float64
				err = eachField(vb, "vertex", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					v, n, err := consumeDouble(b, typ, "vertex")
					if err != nil {
						return 0, err
					}
					switch num {
					case 1:
						lat = v
					case 2:
						lon = v
					default:
						return 0, &SchemaError{Message: "vertex", Field: num}
					}
					return n, nil
				})
				if err != nil {
					return 0, err
				}
				pos, err := cot.NewPosition(lat, lon)
				if err != nil {
					return 0, &FieldError{Field: "vertex", Cause: err}
				}
				fence.Vertices = append(fence.Vertices, pos)
				return n, nil
			default:
				return 0, &SchemaError{Message: "geofence", Field: num}
			}
		})
		if err != nil {
			return nil, err
		}
		return fence, nil

	case fieldDrone:
		var d cot.Drone
		err := eachField(inner, "drone", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1, 2:
				v, n, err := consumeString(b, typ, "drone")
				if err != nil {
					return 0, err
				}
				if num == 1 {
					d.SerialNumber = v
				} else {
					d.OperatorID = v
				}
				return n, nil
			case 3, 4:
				v, n, err := consumeDouble(b, typ, "drone")
				if err != nil {
					return 0, err
				}
				if num == 3 {
					d.HomeLat = v
				} else {
					d.HomeLon = v
				}
				return n, nil
			default:
				return 0, &SchemaError{Message: "drone", Field: num}
			}
		})
		if err != nil {
			return nil, err
		}
		return d, nil

	case fieldProvenance:
		var prov cot.Provenance
		err := eachField(inner, "provenance", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				v, n, err := consumeString(b, typ, "provenance.source")
				if err != nil {
					return 0, err
				}
				prov.Source = v
				return n, nil
			case 2:
				pb, n, err := consumeBytes(b, typ, "provenance.cp")
				if err != nil {
					return 0, err
				}
				var cp cot.ClassProbability
				err = eachField(pb, "cp", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						v, n, err := consumeString(b, typ, "cp.class")
						if err != nil {
							return 0, err
						}
						cp.Class = v
						return n, nil
					case 2:
						v, n, err := consumeDouble(b, typ, "cp.p")
						if err != nil {
							return 0, err
						}
						cp.Probability = v
						return n, nil
					default:
						return 0, &SchemaError{Message: "cp", Field: num}
					}
				})
				if err != nil {
					return 0, err
				}
				prov.Probabilities = append(prov.Probabilities, cp)
				return n, nil
			default:
				return 0, &SchemaError{Message: "provenance", Field: num}
			}
		})
		if err != nil {
			return nil, err
		}
		return prov, nil

	case fieldUnknown:
		f, err := stringFields(inner, 2, "unknown")
		if err != nil {
			return nil, err
		}
		return cot.Unknown{Name: f[1], XML: f[2]}, nil

	case fieldExtension:
		var ext cot.Extension
		err := eachField(inner, "extension", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				v, n, err := consumeString(b, typ, "extension.key")
				if err != nil {
					return 0, err
				}
				ext.Key = v
				return n, nil
			case 2:
				v, n, err := consumeBytes(b, typ, "extension.bytes")
				if err != nil {
					return 0, err
				}
				ext.Bytes = append([]byte(nil), v...)
				return n, nil
			default:
				return 0, &SchemaError{Message: "extension", Field: num}
			}
		})
		if err != nil {
			return nil, err
		}
		return ext, nil

	default:
		return nil, &SchemaError{Message: "detail element", Field: num}
	}
}

// eachField walks the fields of an embedded message, dispatching each to
// fn. fn consumes the value and returns the bytes consumed.
func eachField(b []byte, message string, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &FieldError{Field: message + " tag", Cause: protowire.ParseError(n)}
		}
		b = b[n:]
		consumed, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[consumed:]
	}
	return nil
}

// stringFields decodes a message of consecutive string fields 1..max.
// The result maps field number to value; absent fields are empty.
func stringFields(b []byte, max protowire.Number, message string) (map[protowire.Number]string, error) {
	out := make(map[protowire.Number]string, max)
	err := eachField(b, message, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > max {
			return 0, &SchemaError{Message: message, Field: num}
		}
		v, n, err := consumeString(b, typ, message)
		if err != nil {
			return 0, err
		}
		out[num] = v
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func consumeString(b []byte, typ protowire.Type, field string) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, &FieldError{Field: field, Cause: fmt.Errorf("wire type %d, want bytes", typ)}
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", 0, &FieldError{Field: field, Cause: protowire.ParseError(n)}
	}
	return v, n, nil
}

func consumeBytes(b []byte, typ protowire.Type, field string) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, &FieldError{Field: field, Cause: fmt.Errorf("wire type %d, want bytes", typ)}
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, &FieldError{Field: field, Cause: protowire.ParseError(n)}
	}
	return v, n, nil
}

func consumeVarint(b []byte, typ protowire.Type, field string) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, &FieldError{Field: field, Cause: fmt.Errorf("wire type %d, want varint", typ)}
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, &FieldError{Field: field, Cause: protowire.ParseError(n)}
	}
	return v, n, nil
}

func consumeDouble(b []byte, typ protowire.Type, field string) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, &FieldError{Field: field, Cause: fmt.Errorf("wire type %d, want fixed64", typ)}
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, &FieldError{Field: field, Cause: protowire.ParseError(n)}
	}
	return math.Float64frombits(v), n, nil
}
