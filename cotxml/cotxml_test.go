package cotxml

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Al2800/takrust/cot"
	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/limits"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	return New(limits.ConservativeDefaults(), nil)
}

func sampleEvent(t *testing.T) cot.Event {
	t.Helper()
	uid, err := cot.NewUid("SENSOR-7.track-42")
	require.NoError(t, err)
	ct, err := cot.NewCotType("a-h-A-M-F-Q")
	require.NoError(t, err)
	pt, err := cot.NewPosition(51.5074, -0.1278)
	require.NoError(t, err)
	pt, err = pt.WithHAE(120.5)
	require.NoError(t, err)
	pt, err = pt.WithCE(9.5)
	require.NoError(t, err)

	kin, err := cot.NewKinematics(12.5, 271.25, -1.5)
	require.NoError(t, err)
	trk, err := cot.NewTrack(kin)
	require.NoError(t, err)

	detail, err := cot.NewDetail([]cot.DetailElement{
		cot.Contact{Callsign: "VIPER-1", Endpoint: "192.168.1.10:4242:tcp"},
		trk,
		cot.Remarks{Source: "bridge", Text: "auto-generated <uas> track"},
		cot.Unknown{Name: "vendor:blob", XML: `<vendor:blob a="1"><inner/></vendor:blob>`},
		cot.Extension{Key: "vendor/raw-v2", Bytes: []byte{0xCA, 0xFE}},
	})
	require.NoError(t, err)

	evTime := time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC)
	ev, err := cot.NewEvent(cot.EventSpec{
		Uid: uid, Type: ct, How: "m-s", Point: pt, Detail: detail,
		Time: evTime, Start: evTime, Stale: evTime.Add(15 * time.Second),
	})
	require.NoError(t, err)
	return ev
}

func TestSemanticRoundTrip(t *testing.T) {
	codec := testCodec(t)
	ev := sampleEvent(t)

	data, err := codec.Encode(ev)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, ev.Uid(), decoded.Uid())
	assert.Equal(t, ev.Type().String(), decoded.Type().String())
	assert.Equal(t, ev.How(), decoded.How())
	assert.True(t, ev.Time().Equal(decoded.Time()))
	assert.True(t, ev.Stale().Equal(decoded.Stale()))
	assert.Equal(t, ev.Point().Latitude(), decoded.Point().Latitude())
	assert.Equal(t, ev.Point().Longitude(), decoded.Point().Longitude())

	require.Equal(t, ev.Detail().Len(), decoded.Detail().Len())
	for i, el := range ev.Detail().Elements() {
		assert.Equal(t, el.DetailKind(), decoded.Detail().Elements()[i].DetailKind(), "element %d", i)
	}

	contact := decoded.Detail().Elements()[0].(cot.Contact)
	assert.Equal(t, "VIPER-1", contact.Callsign)

	trk := decoded.Detail().Elements()[1].(cot.Track)
	speed, ok := trk.Kinematics().Speed()
	require.True(t, ok)
	assert.Equal(t, 12.5, speed)

	remarks := decoded.Detail().Elements()[2].(cot.Remarks)
	assert.Equal(t, "auto-generated <uas> track", remarks.Text)

	unknown := decoded.Detail().Elements()[3].(cot.Unknown)
	assert.Equal(t, "vendor:blob", unknown.Name)
	assert.Equal(t, `<vendor:blob a="1"><inner/></vendor:blob>`, unknown.XML)

	ext := decoded.Detail().Elements()[4].(cot.Extension)
	assert.Equal(t, []byte{0xCA, 0xFE}, ext.Bytes)
}

func TestEncodeDeterministic(t *testing.T) {
	codec := testCodec(t)
	ev := sampleEvent(t)

	first, err := codec.Encode(ev)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := codec.Encode(ev)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	// A decode and re-encode is also byte-stable.
	decoded, err := codec.Decode(first)
	require.NoError(t, err)
	reencoded, err := codec.Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(reencoded))
}

func TestScanBudgetExceeded(t *testing.T) {
	l := limits.ConservativeDefaults()
	l.MaxXMLScanBytes = 64
	codec := New(l, nil)

	big := `<event how="m-g" stale="2025-06-01T12:00:15Z" start="2025-06-01T12:00:00Z" time="2025-06-01T12:00:00Z" type="a-f-G" uid="x" version="2.0"><point lat="1" lon="2"/></event>`
	_, err := codec.Decode([]byte(big))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrXMLScanBudgetExceeded))

	var be *BudgetError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "xml_scan", be.Budget)
	assert.Equal(t, 64, be.Limit)
}

func TestDetailBudgetExceeded(t *testing.T) {
	l := limits.ConservativeDefaults()
	l.MaxDetailElements = 2
	codec := New(l, nil)

	var sb strings.Builder
	sb.WriteString(`<event how="m-g" stale="2025-06-01T12:00:15Z" start="2025-06-01T12:00:00Z" time="2025-06-01T12:00:00Z" type="a-f-G" uid="x" version="2.0">`)
	sb.WriteString(`<point lat="1" lon="2"/><detail>`)
	for i := 0; i < 3; i++ {
		sb.WriteString(`<contact callsign="c"/>`)
	}
	sb.WriteString(`</detail></event>`)

	_, err := codec.Decode([]byte(sb.String()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDetailBudgetExceeded))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	codec := testCodec(t)

	cases := map[string]string{
		"empty":        "",
		"not-event":    `<point lat="1" lon="2"/>`,
		"missing-time": `<event type="a-f-G" uid="x"><point lat="1" lon="2"/></event>`,
		"bad-type":     `<event how="m-g" stale="2025-06-01T12:00:15Z" start="2025-06-01T12:00:00Z" time="2025-06-01T12:00:00Z" type="zz" uid="x"><point lat="1" lon="2"/></event>`,
		"bad-lat":      `<event how="m-g" stale="2025-06-01T12:00:15Z" start="2025-06-01T12:00:00Z" time="2025-06-01T12:00:00Z" type="a-f-G" uid="x"><point lat="91" lon="2"/></event>`,
		"no-point":     `<event how="m-g" stale="2025-06-01T12:00:15Z" start="2025-06-01T12:00:00Z" time="2025-06-01T12:00:00Z" type="a-f-G" uid="x"></event>`,
		"truncated":    `<event how="m-g" stale="2025-06-01T12:00:15Z" start="2025-06-01T12:00:00Z" time="2025-06-01T12:00:00Z" type="a-f-G" uid="x"><point lat="1" lon="2"/>`,
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := codec.Decode([]byte(payload))
			require.Error(t, err)
		})
	}
}

func TestDecodeToleratesLeadingProlog(t *testing.T) {
	codec := testCodec(t)
	payload := "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n" +
		`<event how="m-g" stale="2025-06-01T12:00:15Z" start="2025-06-01T12:00:00Z" time="2025-06-01T12:00:00Z" type="a-f-G" uid="x" version="2.0"><point lat="1" lon="2"/></event>`

	ev, err := codec.Decode([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, cot.Uid("x"), ev.Uid())
	assert.Equal(t, 0, ev.Detail().Len())
}

func TestNumericFormattingLocaleIndependent(t *testing.T) {
	assert.Equal(t, "51.5074", formatFloat(51.5074))
	assert.Equal(t, "-0.1278", formatFloat(-0.1278))
	assert.Equal(t, "0", formatFloat(0))
	assert.Equal(t, "1e+06", formatFloat(1e6))
	assert.NotContains(t, formatFloat(math.Pi), ",")
}
