// Package cotxml implements the bounded CoT XML codec: a streaming
// tokenizer with a running byte budget on the decode side and a
// deterministic serializer on the encode side.
//
// Determinism contract: detail children are emitted in original order,
// attributes are emitted in lexicographic order within each known element,
// and numeric values use a fixed locale-independent representation.
// Unknown detail children and unregistered extensions round-trip
// semantically.
package cotxml

import (
	"fmt"

	"github.com/Al2800/takrust/cot"
	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/limits"
)

// timeLayout is the wall-time wire format. RFC3339 with nanoseconds keeps
// producer precision while trimming trailing zeros the same way on every
// platform.
const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// Codec encodes and decodes single CoT event payloads under the shared
// resource budgets. A nil registry leaves every extension opaque.
type Codec struct {
	maxScanBytes      int
	maxDetailElements int
	registry          cot.ExtensionRegistry
}

// New builds a codec from validated limits.
func New(l limits.Limits, registry cot.ExtensionRegistry) *Codec {
	return &Codec{
		maxScanBytes:      l.MaxXMLScanBytes,
		maxDetailElements: l.MaxDetailElements,
		registry:          registry,
	}
}

// BudgetError reports a violated decode budget with the offending offset.
type BudgetError struct {
	Budget string // "xml_scan" or "detail_elements"
	Limit  int
	Offset int64
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("cotxml: %s budget %d exceeded at offset %d", e.Budget, e.Limit, e.Offset)
}

// Unwrap maps budget violations onto the shared taxonomy.
func (e *BudgetError) Unwrap() error {
	if e.Budget == "detail_elements" {
		return errors.ErrDetailBudgetExceeded
	}
	return errors.ErrXMLScanBudgetExceeded
}

// DecodeError reports a structurally invalid event payload.
type DecodeError struct {
	Offset int64
	Reason string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cotxml: %s at offset %d: %v", e.Reason, e.Offset, e.Cause)
	}
	return fmt.Sprintf("cotxml: %s at offset %d", e.Reason, e.Offset)
}

// Unwrap returns the underlying cause.
func (e *DecodeError) Unwrap() error { return e.Cause }
