package wire

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/Al2800/takrust/cot"
	"github.com/Al2800/takrust/errors"
)

// Control event CoT types. These ride the legacy XML framing; the
// protouid detail attribute correlates offer and response.
const (
	TypeProtocolSupport = "t-x-takp-v"
	TypeRequest         = "t-x-takp-q"
	TypeResponse        = "t-x-takp-r"
	TypeMeshControl     = "t-x-takp-m"
)

// Control is the parsed payload of a negotiation control event.
type Control struct {
	ProtoUID string
	Accept   bool
	Version  ProtocolVersion
	MinV     ProtocolVersion
	MaxV     ProtocolVersion
}

type takControlXML struct {
	XMLName  xml.Name `xml:"TakControl"`
	ProtoUID string   `xml:"protouid,attr"`
	Status   string   `xml:"status,attr"`
	Version  int      `xml:"version,attr"`
	MinV     int      `xml:"minProtoVersion,attr"`
	MaxV     int      `xml:"maxProtoVersion,attr"`
}

// controlStale bounds how long a control offer stays authoritative.
const controlStale = 60 * time.Second

func controlEvent(uid string, cotType string, ctrl takControlXML, at time.Time) (cot.Event, error) {
	raw, err := xml.Marshal(ctrl)
	if err != nil {
		return cot.Event{}, err
	}

	evUID, err := cot.NewUid(uid)
	if err != nil {
		return cot.Event{}, err
	}
	ct, err := cot.NewCotType(cotType)
	if err != nil {
		return cot.Event{}, err
	}
	detail, err := cot.NewDetail([]cot.DetailElement{
		cot.Unknown{Name: "TakControl", XML: string(raw)},
	})
	if err != nil {
		return cot.Event{}, err
	}

	// Control events carry a nominal zero point.
	pt, err := cot.NewPosition(0, 0)
	if err != nil {
		return cot.Event{}, err
	}

	return cot.NewEvent(cot.EventSpec{
		Uid: evUID, Type: ct, How: "m-g", Point: pt, Detail: detail,
		Time: at, Start: at, Stale: at.Add(controlStale),
	})
}

// NewProtocolSupport builds the outgoing upgrade offer advertising
// version V1, correlated by protoUID.
func NewProtocolSupport(nodeUID, protoUID string, at time.Time) (cot.Event, error) {
	return controlEvent(nodeUID, TypeProtocolSupport, takControlXML{
		ProtoUID: protoUID,
		MinV:     int(VersionV1),
		MaxV:     int(VersionV1),
	}, at)
}

// NewResponse builds a response accepting or rejecting the offered
// version, correlated by protoUID.
func NewResponse(nodeUID, protoUID string, accept bool, version ProtocolVersion, at time.Time) (cot.Event, error) {
	status := "rejected"
	if accept {
		status = "accepted"
	}
	return controlEvent(nodeUID, TypeResponse, takControlXML{
		ProtoUID: protoUID,
		Status:   status,
		Version:  int(version),
	}, at)
}

// NewMeshControl builds the periodic mesh advertisement carrying the
// node's supported version window.
func NewMeshControl(nodeUID string, minV, maxV ProtocolVersion, at time.Time) (cot.Event, error) {
	return controlEvent(nodeUID, TypeMeshControl, takControlXML{
		MinV: int(minV),
		MaxV: int(maxV),
	}, at)
}

// IsControlType reports whether a CoT type string names a negotiation
// control event.
func IsControlType(t string) bool {
	switch t {
	case TypeProtocolSupport, TypeRequest, TypeResponse, TypeMeshControl:
		return true
	}
	return false
}

// ParseControl extracts the control payload from a control event.
// A missing TakControl detail or a response without a protouid is a
// malformed control.
func ParseControl(ev cot.Event) (Control, error) {
	var raw string
	for _, el := range ev.Detail().Elements() {
		if u, ok := el.(cot.Unknown); ok && strings.HasSuffix(u.Name, "TakControl") {
			raw = u.XML
			break
		}
	}
	if raw == "" {
		return Control{}, fmt.Errorf("wire: no TakControl detail: %w", errors.ErrMalformedControl)
	}

	var parsed takControlXML
	if err := xml.Unmarshal([]byte(raw), &parsed); err != nil {
		return Control{}, fmt.Errorf("wire: TakControl parse: %v: %w", err, errors.ErrMalformedControl)
	}

	ctrl := Control{
		ProtoUID: parsed.ProtoUID,
		Version:  ProtocolVersion(parsed.Version),
		MinV:     ProtocolVersion(parsed.MinV),
		MaxV:     ProtocolVersion(parsed.MaxV),
	}

	switch ev.Type().String() {
	case TypeResponse:
		if parsed.ProtoUID == "" {
			return Control{}, fmt.Errorf("wire: response missing protouid: %w", errors.ErrMalformedControl)
		}
		switch parsed.Status {
		case "accepted":
			ctrl.Accept = true
		case "rejected":
			ctrl.Accept = false
		default:
			return Control{}, fmt.Errorf("wire: response status %q: %w", parsed.Status, errors.ErrMalformedControl)
		}
	case TypeProtocolSupport:
		if parsed.ProtoUID == "" {
			return Control{}, fmt.Errorf("wire: offer missing protouid: %w", errors.ErrMalformedControl)
		}
	case TypeMeshControl:
		if parsed.MinV == 0 || parsed.MaxV == 0 || parsed.MaxV < parsed.MinV {
			return Control{}, fmt.Errorf("wire: mesh control version window: %w", errors.ErrMalformedControl)
		}
	default:
		return Control{}, fmt.Errorf("wire: type %q is not a control event: %w", ev.Type().String(), errors.ErrMalformedControl)
	}

	return ctrl, nil
}
