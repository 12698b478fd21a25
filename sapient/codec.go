package sapient

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Al2800/takrust/limits"
)

// SapientMessage field numbers. Content variants occupy one field each.
const (
	fieldTimestampNs = 1
	fieldNodeID      = 2

	fieldRegistration    = 3
	fieldRegistrationAck = 4
	fieldStatusReport    = 5
	fieldDetection       = 6
	fieldAlert           = 7
	fieldAlertAck        = 8
	fieldTask            = 9
	fieldTaskAck         = 10
)

// CodecError reports a malformed SAPIENT payload.
type CodecError struct {
	Message string
	Cause   error
}

func (e *CodecError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sapient: %s: %v", e.Message, e.Cause)
	}
	return "sapient: " + e.Message
}

// Unwrap returns the cause.
func (e *CodecError) Unwrap() error { return e.Cause }

// Codec encodes and decodes SAPIENT messages under the protobuf budget.
type Codec struct {
	limits limits.Limits
}

// NewCodec builds a codec from validated limits.
func NewCodec(l limits.Limits) *Codec {
	return &Codec{limits: l}
}

// Encode serializes a message in canonical field order.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	var b []byte

	if !msg.Timestamp.IsZero() {
		b = protowire.AppendTag(b, fieldTimestampNs, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(msg.Timestamp.UnixNano()))
	}
	if msg.NodeID != "" {
		b = protowire.AppendTag(b, fieldNodeID, protowire.BytesType)
		b = protowire.AppendString(b, msg.NodeID)
	}

	if msg.Content == nil {
		return nil, &CodecError{Message: "message has no content"}
	}
	field, inner, err := encodeContent(msg.Content)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)

	if len(b) > c.limits.MaxProtobufBytes {
		return nil, &CodecError{Message: fmt.Sprintf("encoded size %d exceeds budget %d", len(b), c.limits.MaxProtobufBytes)}
	}
	return b, nil
}

// Decode parses a SAPIENT payload into a typed message.
func (c *Codec) Decode(payload []byte) (Message, error) {
	if len(payload) > c.limits.MaxProtobufBytes {
		return Message{}, &CodecError{Message: fmt.Sprintf("payload %d bytes exceeds budget %d", len(payload), c.limits.MaxProtobufBytes)}
	}

	var msg Message
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, &CodecError{Message: "tag", Cause: protowire.ParseError(n)}
		}
		b = b[n:]

		switch num {
		case fieldTimestampNs:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, &CodecError{Message: "timestamp", Cause: protowire.ParseError(n)}
			}
			b = b[n:]
			msg.Timestamp = time.Unix(0, int64(v)).UTC()
		case fieldNodeID:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Message{}, &CodecError{Message: "node_id", Cause: protowire.ParseError(n)}
			}
			b = b[n:]
			msg.NodeID = v
		default:
			if typ != protowire.BytesType {
				return Message{}, &CodecError{Message: fmt.Sprintf("content field %d has wire type %d", num, typ)}
			}
			inner, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, &CodecError{Message: "content", Cause: protowire.ParseError(n)}
			}
			b = b[n:]
			content, err := decodeContent(num, inner)
			if err != nil {
				return Message{}, err
			}
			if msg.Content != nil {
				return Message{}, &CodecError{Message: "multiple content variants"}
			}
			msg.Content = content
		}
	}

	if msg.Content == nil {
		return Message{}, &CodecError{Message: "message has no content"}
	}
	return msg, nil
}

func encodeContent(content Content) (protowire.Number, []byte, error) {
	var b []byte
	switch v := content.(type) {
	case Registration:
		b = appendStr(b, 1, v.NodeType)
		for _, capability := range v.Capabilities {
			b = protowire.AppendTag(b, 2, protowire.BytesType)
			b = protowire.AppendString(b, capability)
		}
		return fieldRegistration, b, nil
	case RegistrationAck:
		b = appendBool(b, 1, v.Accepted)
		b = appendStr(b, 2, v.Reason)
		return fieldRegistrationAck, b, nil
	case StatusReport:
		b = appendStr(b, 1, v.System)
		b = appendStr(b, 2, v.Info)
		b = appendDouble(b, 3, v.BatteryPct)
		return fieldStatusReport, b, nil
	case DetectionReport:
		b = appendStr(b, 1, v.ObjectID)
		b = appendStr(b, 2, v.DetectionID)
		b = appendDoubleAlways(b, 3, v.Latitude)
		b = appendDoubleAlways(b, 4, v.Longitude)
		if v.HasAltitude {
			b = appendDoubleAlways(b, 5, v.AltitudeM)
		}
		if v.HasSpeed {
			b = appendDoubleAlways(b, 6, v.SpeedMS)
		}
		if v.HasCourse {
			b = appendDoubleAlways(b, 7, v.CourseDeg)
		}
		for _, cl := range v.Classifications {
			var cb []byte
			cb = appendStr(cb, 1, cl.Type)
			cb = appendDoubleAlways(cb, 2, cl.Confidence)
			b = protowire.AppendTag(b, 8, protowire.BytesType)
			b = protowire.AppendBytes(b, cb)
		}
		for _, bh := range v.Behaviours {
			var bb []byte
			bb = appendStr(bb, 1, bh.Type)
			bb = appendDoubleAlways(bb, 2, bh.Confidence)
			b = protowire.AppendTag(b, 9, protowire.BytesType)
			b = protowire.AppendBytes(b, bb)
		}
		return fieldDetection, b, nil
	case Alert:
		b = appendStr(b, 1, v.AlertID)
		b = appendStr(b, 2, v.Description)
		b = appendStr(b, 3, v.Severity)
		return fieldAlert, b, nil
	case AlertAck:
		b = appendStr(b, 1, v.AlertID)
		return fieldAlertAck, b, nil
	case Task:
		b = appendStr(b, 1, v.TaskID)
		b = appendStr(b, 2, v.Command)
		return fieldTask, b, nil
	case TaskAck:
		b = appendStr(b, 1, v.TaskID)
		b = appendBool(b, 2, v.Accepted)
		return fieldTaskAck, b, nil
	default:
		return 0, nil, &CodecError{Message: fmt.Sprintf("unknown content kind %q", content.Kind())}
	}
}

func decodeContent(num protowire.Number, b []byte) (Content, error) {
	switch num {
	case fieldRegistration:
		var reg Registration
		err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				v, n := protowire.ConsumeString(b)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				reg.NodeType = v
				return n, nil
			case 2:
				v, n := protowire.ConsumeString(b)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				reg.Capabilities = append(reg.Capabilities, v)
				return n, nil
			default:
				return skip(num, typ, b)
			}
		})
		return reg, err
	case fieldRegistrationAck:
		var ack RegistrationAck
		err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				v, n := protowire.ConsumeVarint(b)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				ack.Accepted = v != 0
				return n, nil
			case 2:
				v, n := protowire.ConsumeString(b)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				ack.Reason = v
				return n, nil
			default:
				return skip(num, typ, b)
			}
		})
		return ack, err
	case fieldStatusReport:
		var sr StatusReport
		err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1, 2:
				v, n := protowire.ConsumeString(b)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				if num == 1 {
					sr.System = v
				} else {
					sr.Info = v
				}
				return n, nil
			case 3:
				v, n := protowire.ConsumeFixed64(b)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				sr.BatteryPct = math.Float64frombits(v)
				return n, nil
			default:
				return skip(num, typ, b)
			}
		})
		return sr, err
	case fieldDetection:
		return decodeDetection(b)
	case fieldAlert:
		var a Alert
		err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			switch num {
			case 1:
				a.AlertID = v
			case 2:
				a.Description = v
			case 3:
				a.Severity = v
			}
			return n, nil
		})
		return a, err
	case fieldAlertAck:
		var ack AlertAck
		err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			if num == 1 {
				ack.AlertID = v
			}
			return n, nil
		})
		return ack, err
	case fieldTask:
		var task Task
		err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			if num == 1 {
				task.TaskID = v
			} else {
				task.Command = v
			}
			return n, nil
		})
		return task, err
	case fieldTaskAck:
		var ack TaskAck
		err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				v, n := protowire.ConsumeString(b)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				ack.TaskID = v
				return n, nil
			case 2:
				v, n := protowire.ConsumeVarint(b)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				ack.Accepted = v != 0
				return n, nil
			default:
				return skip(num, typ, b)
			}
		})
		return ack, err
	default:
		return nil, &CodecError{Message: fmt.Sprintf("unknown content field %d", num)}
	}
}

func decodeDetection(b []byte) (Content, error) {
	var d DetectionReport
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			if num == 1 {
				d.ObjectID = v
			} else {
				d.DetectionID = v
			}
			return n, nil
		case 3, 4, 5, 6, 7:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			f := math.Float64frombits(v)
			switch num {
			case 3:
				d.Latitude = f
			case 4:
				d.Longitude = f
			case 5:
				d.AltitudeM, d.HasAltitude = f, true
			case 6:
				d.SpeedMS, d.HasSpeed = f, true
			case 7:
				d.CourseDeg, d.HasCourse = f, true
			}
			return n, nil
		case 8, 9:
			inner, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			var name string
			var confidence float64
			err := walk(inner, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					v, m := protowire.ConsumeString(b)
					if m < 0 {
						return 0, protowire.ParseError(m)
					}
					name = v
					return m, nil
				case 2:
					v, m := protowire.ConsumeFixed64(b)
					if m < 0 {
						return 0, protowire.ParseError(m)
					}
					confidence = math.Float64frombits(v)
					return m, nil
				default:
					return skip(num, typ, b)
				}
			})
			if err != nil {
				return 0, err
			}
			if num == 8 {
				d.Classifications = append(d.Classifications, Classification{Type: name, Confidence: confidence})
			} else {
				d.Behaviours = append(d.Behaviours, Behaviour{Type: name, Confidence: confidence})
			}
			return n, nil
		default:
			return skip(num, typ, b)
		}
	})
	return d, err
}

func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &CodecError{Message: "tag", Cause: protowire.ParseError(n)}
		}
		b = b[n:]
		consumed, err := fn(num, typ, b)
		if err != nil {
			if _, ok := err.(*CodecError); ok {
				return err
			}
			return &CodecError{Message: "field", Cause: err}
		}
		b = b[consumed:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func appendStr(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
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
