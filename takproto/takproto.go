// Package takproto implements the TAK Protocol v1 payload codec: the
// protobuf representation of a CoT event, mirroring the semantic model
// one-to-one.
//
// The codec drives the protobuf wire format directly so that encoding is
// canonical: fields are emitted in ascending field-number order and
// optional fields at their default value are not emitted at all. Decoding
// the encoder's output yields an exactly equal event.
package takproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/limits"
)

// Event field numbers.
const (
	fieldType    = 1
	fieldUid     = 2
	fieldHow     = 3
	fieldTimeNs  = 4
	fieldStartNs = 5
	fieldStaleNs = 6
	fieldLat     = 7
	fieldLon     = 8
	fieldHae     = 9
	fieldCe      = 10
	fieldLe      = 11
	fieldVersion = 12
	fieldDetail  = 13
)

// DetailElement field numbers (one per kind).
const (
	fieldContact    = 1
	fieldGroup      = 2
	fieldTrack      = 3
	fieldStatus     = 4
	fieldTakv       = 5
	fieldSensor     = 6
	fieldLink       = 7
	fieldRemarks    = 8
	fieldShape      = 9
	fieldGeofence   = 10
	fieldDrone      = 11
	fieldProvenance = 12
	fieldUnknown    = 13
	fieldExtension  = 14
)

// Codec encodes and decodes TAK Protocol v1 payloads under the protobuf
// budget.
type Codec struct {
	maxProtobufBytes int
}

// New builds a codec from validated limits.
func New(l limits.Limits) *Codec {
	return &Codec{maxProtobufBytes: l.MaxProtobufBytes}
}

// BudgetError reports a payload exceeding the protobuf budget.
type BudgetError struct {
	Size  int
	Limit int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("takproto: payload size %d exceeds budget %d", e.Size, e.Limit)
}

// Unwrap maps onto the shared taxonomy.
func (e *BudgetError) Unwrap() error { return errors.ErrProtoBudgetExceeded }

// SchemaError reports an unknown field in a position the schema requires
// to be known.
type SchemaError struct {
	Message string
	Field   protowire.Number
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("takproto: unknown field %d in %s", e.Field, e.Message)
}

// FieldError reports an out-of-range or malformed scalar.
type FieldError struct {
	Field string
	Cause error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("takproto: invalid field %s: %v", e.Field, e.Cause)
}

// Unwrap returns the cause.
func (e *FieldError) Unwrap() error { return e.Cause }
