package cotxml

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Al2800/takrust/cot"
)

// Decode parses a single <event> payload into a cot.Event. The cumulative
// scanned byte count is checked against the XML scan budget after every
// token; the number of detail children is checked against the detail
// element budget.
func (c *Codec) Decode(data []byte) (cot.Event, error) {
	if len(data) > c.maxScanBytes {
		return cot.Event{}, &BudgetError{Budget: "xml_scan", Limit: c.maxScanBytes, Offset: int64(len(data))}
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	p := &decoder{codec: c, dec: dec, data: data}
	return p.event()
}

type decoder struct {
	codec *Codec
	dec   *xml.Decoder
	data  []byte
}

// token reads the next token and enforces the scan budget. The returned
// token is copied where needed by callers; CharData is only valid until
// the next read.
func (p *decoder) token() (xml.Token, error) {
	tok, err := p.dec.Token()
	if err != nil {
		return nil, err
	}
	if p.dec.InputOffset() > int64(p.codec.maxScanBytes) {
		return nil, &BudgetError{Budget: "xml_scan", Limit: p.codec.maxScanBytes, Offset: p.dec.InputOffset()}
	}
	return tok, nil
}

func (p *decoder) fail(reason string, cause error) error {
	if be, ok := cause.(*BudgetError); ok {
		return be
	}
	return &DecodeError{Offset: p.dec.InputOffset(), Reason: reason, Cause: cause}
}

func (p *decoder) event() (cot.Event, error) {
	root, err := p.rootElement()
	if err != nil {
		return cot.Event{}, err
	}
	if root.Name.Local != "event" {
		return cot.Event{}, p.fail("root element is not <event>", nil)
	}

	spec := cot.EventSpec{}
	var haveTime, haveStart, haveStale bool
	for _, attr := range root.Attr {
		switch attr.Name.Local {
		case "version":
			spec.Version = attr.Value
		case "uid":
			uid, err := cot.NewUid(attr.Value)
			if err != nil {
				return cot.Event{}, p.fail("invalid uid", err)
			}
			spec.Uid = uid
		case "type":
			ct, err := cot.NewCotType(attr.Value)
			if err != nil {
				return cot.Event{}, p.fail("invalid type", err)
			}
			spec.Type = ct
		case "how":
			spec.How = attr.Value
		case "time":
			spec.Time, err = time.Parse(timeLayout, attr.Value)
			if err != nil {
				return cot.Event{}, p.fail("invalid time", err)
			}
			haveTime = true
		case "start":
			spec.Start, err = time.Parse(timeLayout, attr.Value)
			if err != nil {
				return cot.Event{}, p.fail("invalid start", err)
			}
			haveStart = true
		case "stale":
			spec.Stale, err = time.Parse(timeLayout, attr.Value)
			if err != nil {
				return cot.Event{}, p.fail("invalid stale", err)
			}
			haveStale = true
		}
	}
	if !haveTime || !haveStart || !haveStale {
		return cot.Event{}, p.fail("event missing time attributes", nil)
	}

	var havePoint bool
	var elements []cot.DetailElement
	for {
		tok, err := p.token()
		if err == io.EOF {
			return cot.Event{}, p.fail("unexpected end of event", nil)
		}
		if err != nil {
			return cot.Event{}, p.fail("token scan", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "point":
				spec.Point, err = p.point(t)
				if err != nil {
					return cot.Event{}, err
				}
				havePoint = true
			case "detail":
				elements, err = p.detail()
				if err != nil {
					return cot.Event{}, err
				}
			default:
				if err := p.dec.Skip(); err != nil {
					return cot.Event{}, p.fail("skip unexpected element", err)
				}
			}
		case xml.EndElement:
			if t.Name.Local == "event" {
				if !havePoint {
					return cot.Event{}, p.fail("event missing <point>", nil)
				}
				detail, err := cot.NewDetail(elements)
				if err != nil {
					return cot.Event{}, p.fail("invalid detail", err)
				}
				spec.Detail = detail
				ev, err := cot.NewEvent(spec)
				if err != nil {
					return cot.Event{}, p.fail("invalid event", err)
				}
				return ev, nil
			}
		}
	}
}

// rootElement scans past the prolog to the first StartElement.
func (p *decoder) rootElement() (xml.StartElement, error) {
	for {
		tok, err := p.token()
		if err == io.EOF {
			return xml.StartElement{}, p.fail("empty document", nil)
		}
		if err != nil {
			return xml.StartElement{}, p.fail("token scan", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}

func (p *decoder) point(start xml.StartElement) (cot.Position, error) {
	var lat, lon float64
	hae, ce, le := math.NaN(), math.NaN(), math.NaN()
	var haveLat, haveLon bool
	for _, attr := range start.Attr {
		v, err := strconv.ParseFloat(attr.Value, 64)
		if err != nil {
			return cot.Position{}, p.fail("invalid point attribute "+attr.Name.Local, err)
		}
		switch attr.Name.Local {
		case "lat":
			lat, haveLat = v, true
		case "lon":
			lon, haveLon = v, true
		case "hae":
			hae = v
		case "ce":
			ce = v
		case "le":
			le = v
		}
	}
	if !haveLat || !haveLon {
		return cot.Position{}, p.fail("point missing lat/lon", nil)
	}

	pos, err := cot.NewPosition(lat, lon)
	if err != nil {
		return cot.Position{}, p.fail("invalid point", err)
	}
	if !math.IsNaN(hae) {
		if pos, err = pos.WithHAE(hae); err != nil {
			return cot.Position{}, p.fail("invalid point hae", err)
		}
	}
	if !math.IsNaN(ce) {
		if pos, err = pos.WithCE(ce); err != nil {
			return cot.Position{}, p.fail("invalid point ce", err)
		}
	}
	if !math.IsNaN(le) {
		if pos, err = pos.WithLE(le); err != nil {
			return cot.Position{}, p.fail("invalid point le", err)
		}
	}
	if err := p.dec.Skip(); err != nil {
		return cot.Position{}, p.fail("close point", err)
	}
	return pos, nil
}

func (p *decoder) detail() ([]cot.DetailElement, error) {
	var elements []cot.DetailElement
	for {
		// Offset before the child token marks the start of raw capture
		// for unknown elements.
		before := p.dec.InputOffset()
		tok, err := p.token()
		if err != nil {
			return nil, p.fail("detail scan", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if len(elements) >= p.codec.maxDetailElements {
				return nil, &BudgetError{
					Budget: "detail_elements",
					Limit:  p.codec.maxDetailElements,
					Offset: p.dec.InputOffset(),
				}
			}
			el, err := p.detailChild(t, before)
			if err != nil {
				return nil, err
			}
			elements = append(elements, el)
		case xml.EndElement:
			if t.Name.Local == "detail" {
				return elements, nil
			}
		}
	}
}

func (p *decoder) detailChild(start xml.StartElement, rawStart int64) (cot.DetailElement, error) {
	attr := func(name string) (string, bool) {
		for _, a := range start.Attr {
			if a.Name.Local == name {
				return a.Value, true
			}
		}
		return "", false
	}
	attrFloat := func(name string) (float64, bool, error) {
		s, ok := attr(name)
		if !ok {
			return 0, false, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, p.fail("invalid "+start.Name.Local+" attribute "+name, err)
		}
		return v, true, nil
	}

	switch start.Name.Local {
	case "contact":
		callsign, _ := attr("callsign")
		endpoint, _ := attr("endpoint")
		phone, _ := attr("phone")
		if err := p.dec.Skip(); err != nil {
			return nil, p.fail("close contact", err)
		}
		return cot.Contact{Callsign: callsign, Endpoint: endpoint, Phone: phone}, nil

	case "__group":
		name, _ := attr("name")
		role, _ := attr("role")
		if err := p.dec.Skip(); err != nil {
			return nil, p.fail("close __group", err)
		}
		return cot.Group{Name: name, Role: role}, nil

	case "track":
		speed, hasSpeed, err := attrFloat("speed")
		if err != nil {
			return nil, err
		}
		course, hasCourse, err := attrFloat("course")
		if err != nil {
			return nil, err
		}
		vspeed, hasVSpeed, err := attrFloat("vspeed")
		if err != nil {
			return nil, err
		}
		if !hasSpeed {
			speed = math.NaN()
		}
		if !hasCourse {
			course = math.NaN()
		}
		if !hasVSpeed {
			vspeed = math.NaN()
		}
		kin, err := cot.NewKinematics(speed, course, vspeed)
		if err != nil {
			return nil, p.fail("invalid track", err)
		}
		trk, err := cot.NewTrack(kin)
		if err != nil {
			return nil, p.fail("invalid track", err)
		}
		if err := p.dec.Skip(); err != nil {
			return nil, p.fail("close track", err)
		}
		return trk, nil

	case "status":
		var status cot.Status
		if s, ok := attr("battery"); ok {
			battery, err := strconv.Atoi(s)
			if err != nil {
				return nil, p.fail("invalid status battery", err)
			}
			status.Battery = battery
		}
		if s, ok := attr("readiness"); ok {
			status.Readiness = s == "true"
		}
		if err := p.dec.Skip(); err != nil {
			return nil, p.fail("close status", err)
		}
		return status, nil

	case "takv":
		device, _ := attr("device")
		platform, _ := attr("platform")
		osName, _ := attr("os")
		version, _ := attr("version")
		if err := p.dec.Skip(); err != nil {
			return nil, p.fail("close takv", err)
		}
		return cot.TakVersion{Device: device, Platform: platform, OS: osName, Version: version}, nil

	case "sensor":
		var s cot.Sensor
		s.Type, _ = attr("type")
		s.Model, _ = attr("model")
		var err error
		if s.Azimuth, _, err = attrFloat("azimuth"); err != nil {
			return nil, err
		}
		if s.Elevation, _, err = attrFloat("elevation"); err != nil {
			return nil, err
		}
		if s.FOV, _, err = attrFloat("fov"); err != nil {
			return nil, err
		}
		if s.RangeM, _, err = attrFloat("range"); err != nil {
			return nil, err
		}
		if err := p.dec.Skip(); err != nil {
			return nil, p.fail("close sensor", err)
		}
		return s, nil

	case "link":
		uidStr, _ := attr("uid")
		uid, err := cot.NewUid(uidStr)
		if err != nil {
			return nil, p.fail("invalid link uid", err)
		}
		linkType, _ := attr("type")
		relation, _ := attr("relation")
		if err := p.dec.Skip(); err != nil {
			return nil, p.fail("close link", err)
		}
		return cot.Link{Uid: uid, Type: linkType, Relation: relation}, nil

	case "remarks":
		source, _ := attr("source")
		text, err := p.charData("remarks")
		if err != nil {
			return nil, err
		}
		return cot.Remarks{Source: source, Text: text}, nil

	case "shape":
		radius, _, err := attrFloat("radius")
		if err != nil {
			return nil, err
		}
		if err := p.dec.Skip(); err != nil {
			return nil, p.fail("close shape", err)
		}
		return cot.Shape{RadiusM: radius}, nil

	case "__geofence":
		return p.geofence(start)

	case "uas":
		serial, _ := attr("serial")
		operator, _ := attr("operator")
		var d cot.Drone
		d.SerialNumber, d.OperatorID = serial, operator
		var err error
		if d.HomeLat, _, err = attrFloat("homeLat"); err != nil {
			return nil, err
		}
		if d.HomeLon, _, err = attrFloat("homeLon"); err != nil {
			return nil, err
		}
		if err := p.dec.Skip(); err != nil {
			return nil, p.fail("close uas", err)
		}
		return d, nil

	case "provenance":
		return p.provenance(start)

	case "extension":
		key, ok := attr("key")
		if !ok {
			return nil, p.fail("extension missing key", nil)
		}
		text, err := p.charData("extension")
		if err != nil {
			return nil, err
		}
		payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
		if err != nil {
			return nil, p.fail("invalid extension payload", err)
		}
		return cot.DecodeExtension(p.codec.registry, key, payload), nil

	default:
		return p.unknown(start, rawStart)
	}
}

// charData consumes the element body returning concatenated character
// data up to the matching end element.
func (p *decoder) charData(name string) (string, error) {
	var sb strings.Builder
	depth := 0
	for {
		tok, err := p.token()
		if err != nil {
			return "", p.fail("read "+name+" body", err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			if depth == 0 {
				sb.Write(t)
			}
		case xml.StartElement:
			depth++
		case xml.EndElement:
			if depth == 0 {
				return sb.String(), nil
			}
			depth--
		}
	}
}

func (p *decoder) geofence(start xml.StartElement) (cot.DetailElement, error) {
	var fence cot.Geofence
	for _, a := range start.Attr {
		if a.Name.Local == "name" {
			fence.Name = a.Value
		}
	}
	for {
		tok, err := p.token()
		if err != nil {
			return nil, p.fail("geofence scan", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "vertex" {
				if err := p.dec.Skip(); err != nil {
					return nil, p.fail("skip geofence child", err)
				}
				continue
			}
			var lat, lon float64
			for _, a := range t.Attr {
				v, err := strconv.ParseFloat(a.Value, 64)
				if err != nil {
					return nil, p.fail("invalid vertex", err)
				}
				switch a.Name.Local {
				case "lat":
					lat = v
				case "lon":
					lon = v
				}
			}
			pos, err := cot.NewPosition(lat, lon)
			if err != nil {
				return nil, p.fail("invalid vertex", err)
			}
			fence.Vertices = append(fence.Vertices, pos)
			if err := p.dec.Skip(); err != nil {
				return nil, p.fail("close vertex", err)
			}
		case xml.EndElement:
			return fence, nil
		}
	}
}

func (p *decoder) provenance(start xml.StartElement) (cot.DetailElement, error) {
	var prov cot.Provenance
	for _, a := range start.Attr {
		if a.Name.Local == "source" {
			prov.Source = a.Value
		}
	}
	for {
		tok, err := p.token()
		if err != nil {
			return nil, p.fail("provenance scan", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "cp" {
				if err := p.dec.Skip(); err != nil {
					return nil, p.fail("skip provenance child", err)
				}
				continue
			}
			var cp cot.ClassProbability
			for _, a := range t.Attr {
				switch a.Name.Local {
				case "class":
					cp.Class = a.Value
				case "p":
					v, err := strconv.ParseFloat(a.Value, 64)
					if err != nil {
						return nil, p.fail("invalid probability", err)
					}
					cp.Probability = v
				}
			}
			prov.Probabilities = append(prov.Probabilities, cp)
			if err := p.dec.Skip(); err != nil {
				return nil, p.fail("close cp", err)
			}
		case xml.EndElement:
			return prov, nil
		}
	}
}

// unknown captures an unrecognized detail child verbatim, namespace
// prefixes included, by slicing the original input between the element's
// start offset and the offset after its matching end tag.
func (p *decoder) unknown(start xml.StartElement, rawStart int64) (cot.DetailElement, error) {
	if err := p.dec.Skip(); err != nil {
		return nil, p.fail("skip unknown element", err)
	}
	raw := strings.TrimSpace(string(p.data[rawStart:p.dec.InputOffset()]))
	name := start.Name.Local
	if start.Name.Space != "" {
		name = start.Name.Space + ":" + start.Name.Local
	}
	return cot.Unknown{Name: name, XML: raw}, nil
}
