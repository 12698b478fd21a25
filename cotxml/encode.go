package cotxml

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/Al2800/takrust/cot"
)

// Encode serializes an event to a single <event> payload. Output is
// deterministic: the same event always yields the same bytes.
func (c *Codec) Encode(ev cot.Event) ([]byte, error) {
	var b strings.Builder

	b.WriteString("<event")
	// Lexicographic attribute order within the known schema.
	writeAttr(&b, "how", ev.How())
	writeAttr(&b, "stale", ev.Stale().Format(timeLayout))
	writeAttr(&b, "start", ev.Start().Format(timeLayout))
	writeAttr(&b, "time", ev.Time().Format(timeLayout))
	writeAttr(&b, "type", ev.Type().String())
	writeAttr(&b, "uid", ev.Uid().String())
	writeAttr(&b, "version", ev.Version())
	b.WriteString(">")

	writePoint(&b, ev.Point())

	if ev.Detail().Len() > 0 {
		b.WriteString("<detail>")
		for _, el := range ev.Detail().Elements() {
			if err := c.writeDetailElement(&b, el); err != nil {
				return nil, err
			}
		}
		b.WriteString("</detail>")
	}

	b.WriteString("</event>")
	return []byte(b.String()), nil
}

func writePoint(b *strings.Builder, p cot.Position) {
	b.WriteString("<point")
	if ce, ok := p.CE(); ok {
		writeAttr(b, "ce", formatFloat(ce))
	}
	if hae, ok := p.HAE(); ok {
		writeAttr(b, "hae", formatFloat(hae))
	}
	writeAttr(b, "lat", formatFloat(p.Latitude()))
	if le, ok := p.LE(); ok {
		writeAttr(b, "le", formatFloat(le))
	}
	writeAttr(b, "lon", formatFloat(p.Longitude()))
	b.WriteString("/>")
}

func (c *Codec) writeDetailElement(b *strings.Builder, el cot.DetailElement) error {
	switch v := el.(type) {
	case cot.Contact:
		b.WriteString("<contact")
		if v.Callsign != "" {
			writeAttr(b, "callsign", v.Callsign)
		}
		if v.Endpoint != "" {
			writeAttr(b, "endpoint", v.Endpoint)
		}
		if v.Phone != "" {
			writeAttr(b, "phone", v.Phone)
		}
		b.WriteString("/>")

	case cot.Group:
		b.WriteString("<__group")
		if v.Name != "" {
			writeAttr(b, "name", v.Name)
		}
		if v.Role != "" {
			writeAttr(b, "role", v.Role)
		}
		b.WriteString("/>")

	case cot.Track:
		kin := v.Kinematics()
		b.WriteString("<track")
		if course, ok := kin.Course(); ok {
			writeAttr(b, "course", formatFloat(course))
		}
		if speed, ok := kin.Speed(); ok {
			writeAttr(b, "speed", formatFloat(speed))
		}
		if vrate, ok := kin.VerticalRate(); ok {
			writeAttr(b, "vspeed", formatFloat(vrate))
		}
		b.WriteString("/>")

	case cot.Status:
		b.WriteString("<status")
		writeAttr(b, "battery", strconv.Itoa(v.Battery))
		writeAttr(b, "readiness", strconv.FormatBool(v.Readiness))
		b.WriteString("/>")

	case cot.TakVersion:
		b.WriteString("<takv")
		writeAttr(b, "device", v.Device)
		writeAttr(b, "os", v.OS)
		writeAttr(b, "platform", v.Platform)
		writeAttr(b, "version", v.Version)
		b.WriteString("/>")

	case cot.Sensor:
		b.WriteString("<sensor")
		writeAttr(b, "azimuth", formatFloat(v.Azimuth))
		writeAttr(b, "elevation", formatFloat(v.Elevation))
		writeAttr(b, "fov", formatFloat(v.FOV))
		if v.Model != "" {
			writeAttr(b, "model", v.Model)
		}
		writeAttr(b, "range", formatFloat(v.RangeM))
		if v.Type != "" {
			writeAttr(b, "type", v.Type)
		}
		b.WriteString("/>")

	case cot.Link:
		b.WriteString("<link")
		if v.Relation != "" {
			writeAttr(b, "relation", v.Relation)
		}
		if v.Type != "" {
			writeAttr(b, "type", v.Type)
		}
		writeAttr(b, "uid", v.Uid.String())
		b.WriteString("/>")

	case cot.Remarks:
		b.WriteString("<remarks")
		if v.Source != "" {
			writeAttr(b, "source", v.Source)
		}
		b.WriteString(">")
		writeText(b, v.Text)
		b.WriteString("</remarks>")

	case cot.Shape:
		b.WriteString("<shape")
		writeAttr(b, "radius", formatFloat(v.RadiusM))
		b.WriteString("/>")

	case cot.Geofence:
		b.WriteString("<__geofence")
		if v.Name != "" {
			writeAttr(b, "name", v.Name)
		}
		b.WriteString(">")
		for _, vert := range v.Vertices {
			b.WriteString("<vertex")
			writeAttr(b, "lat", formatFloat(vert.Latitude()))
			writeAttr(b, "lon", formatFloat(vert.Longitude()))
			b.WriteString("/>")
		}
		b.WriteString("</__geofence>")

	case cot.Drone:
		b.WriteString("<uas")
		writeAttr(b, "homeLat", formatFloat(v.HomeLat))
		writeAttr(b, "homeLon", formatFloat(v.HomeLon))
		if v.OperatorID != "" {
			writeAttr(b, "operator", v.OperatorID)
		}
		if v.SerialNumber != "" {
			writeAttr(b, "serial", v.SerialNumber)
		}
		b.WriteString("/>")

	case cot.Provenance:
		b.WriteString("<provenance")
		if v.Source != "" {
			writeAttr(b, "source", v.Source)
		}
		b.WriteString(">")
		for _, cp := range v.Probabilities {
			b.WriteString("<cp")
			writeAttr(b, "class", cp.Class)
			writeAttr(b, "p", formatFloat(cp.Probability))
			b.WriteString("/>")
		}
		b.WriteString("</provenance>")

	case cot.Unknown:
		// Preserved verbatim in original order.
		b.WriteString(v.XML)

	case cot.Extension:
		writeExtension(b, v.Key, v.Bytes)

	default:
		// A typed element the registry knows how to flatten.
		if key, payload, ok := cot.EncodeExtension(c.registry, el); ok {
			writeExtension(b, key, payload)
			return nil
		}
		return fmt.Errorf("cotxml: no encoding for detail element kind %q", el.DetailKind())
	}
	return nil
}

func writeExtension(b *strings.Builder, key string, payload []byte) {
	b.WriteString("<extension")
	writeAttr(b, "key", key)
	b.WriteString(">")
	b.WriteString(base64.StdEncoding.EncodeToString(payload))
	b.WriteString("</extension>")
}

func writeAttr(b *strings.Builder, name, value string) {
	b.WriteString(" ")
	b.WriteString(name)
	b.WriteString("=\"")
	_ = xml.EscapeText(&attrWriter{b}, []byte(value))
	b.WriteString("\"")
}

func writeText(b *strings.Builder, text string) {
	_ = xml.EscapeText(&attrWriter{b}, []byte(text))
}

type attrWriter struct{ b *strings.Builder }

func (w *attrWriter) Write(p []byte) (int, error) { return w.b.Write(p) }

// formatFloat is the fixed, locale-independent numeric representation:
// shortest decimal form that round-trips through a float64.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
