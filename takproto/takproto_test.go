package takproto

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Al2800/takrust/cot"
	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/limits"
)

func buildEvent(t *testing.T) cot.Event {
	t.Helper()
	uid, err := cot.NewUid("trk-0042")
	require.NoError(t, err)
	ct, err := cot.NewCotType("a-h-A-M-F-Q")
	require.NoError(t, err)
	pt, err := cot.NewPosition(48.8566, 2.3522)
	require.NoError(t, err)
	pt, err = pt.WithHAE(0) // presence at default value must survive
	require.NoError(t, err)
	pt, err = pt.WithCE(12.5)
	require.NoError(t, err)

	kin, err := cot.NewKinematics(0, 90, math.NaN())
	require.NoError(t, err)
	trk, err := cot.NewTrack(kin)
	require.NoError(t, err)

	detail, err := cot.NewDetail([]cot.DetailElement{
		cot.Contact{Callsign: "RAPTOR-2"},
		trk,
		cot.Status{Battery: 87, Readiness: true},
		cot.Provenance{Source: "sensor-7", Probabilities: []cot.ClassProbability{
			{Class: "UAS/Multirotor", Probability: 0.92},
			{Class: "Bird", Probability: 0.08},
		}},
		cot.Extension{Key: "vendor/raw-v2", Bytes: []byte{1, 2, 3}},
	})
	require.NoError(t, err)

	evTime := time.Date(2025, 6, 1, 12, 0, 0, 500, time.UTC)
	ev, err := cot.NewEvent(cot.EventSpec{
		Uid: uid, Type: ct, Point: pt, Detail: detail,
		Time: evTime, Start: evTime, Stale: evTime.Add(30 * time.Second),
	})
	require.NoError(t, err)
	return ev
}

func TestExactRoundTrip(t *testing.T) {
	codec := New(limits.ConservativeDefaults())
	ev := buildEvent(t)

	payload, err := codec.Encode(ev)
	require.NoError(t, err)

	decoded, err := codec.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, ev, decoded)
}

func TestEncodeCanonical(t *testing.T) {
	codec := New(limits.ConservativeDefaults())
	ev := buildEvent(t)

	first, err := codec.Encode(ev)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := codec.Encode(ev)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestNoDefaultEmission(t *testing.T) {
	codec := New(limits.ConservativeDefaults())

	uid, _ := cot.NewUid("x")
	ct, _ := cot.NewCotType("a-f-G")
	pt, _ := cot.NewPosition(0, 0)
	evTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev, err := cot.NewEvent(cot.EventSpec{
		Uid: uid, Type: ct, Point: pt,
		Time: evTime, Start: evTime, Stale: evTime.Add(time.Second),
	})
	require.NoError(t, err)

	payload, err := codec.Encode(ev)
	require.NoError(t, err)

	// Neither lat, lon (both 0), version (default), nor any optional
	// point field appears in the payload.
	seen := map[protowire.Number]bool{}
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		require.Greater(t, n, 0)
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		require.Greater(t, m, 0)
		seen[num] = true
		b = b[m:]
	}
	assert.False(t, seen[fieldLat])
	assert.False(t, seen[fieldVersion])

	decoded, err := codec.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, ev, decoded)
}

func TestEpochTimestampRoundTrip(t *testing.T) {
	codec := New(limits.ConservativeDefaults())

	uid, err := cot.NewUid("epoch")
	require.NoError(t, err)
	ct, err := cot.NewCotType("a-f-G")
	require.NoError(t, err)
	pt, err := cot.NewPosition(1, 2)
	require.NoError(t, err)

	// The Unix epoch is a legal producer timestamp; the required time
	// fields must survive the wire even at their varint zero.
	epoch := time.Unix(0, 0).UTC()
	ev, err := cot.NewEvent(cot.EventSpec{
		Uid: uid, Type: ct, Point: pt,
		Time: epoch, Start: epoch, Stale: epoch,
	})
	require.NoError(t, err)

	payload, err := codec.Encode(ev)
	require.NoError(t, err)

	decoded, err := codec.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, ev, decoded)
	assert.True(t, decoded.Time().Equal(epoch))
	assert.True(t, decoded.Stale().Equal(epoch))
}

func TestBudgetExceeded(t *testing.T) {
	l := limits.ConservativeDefaults()
	l.MaxProtobufBytes = 16
	l.MaxXMLScanBytes = 16
	l.MaxFrameBytes = 16
	codec := New(l)

	payload := make([]byte, 17)
	_, err := codec.Decode(payload)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProtoBudgetExceeded))

	ev := buildEvent(t)
	_, err = codec.Encode(ev)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProtoBudgetExceeded))
}

func TestUnknownFieldIsSchemaMismatch(t *testing.T) {
	codec := New(limits.ConservativeDefaults())

	var b []byte
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)

	_, err := codec.Decode(b)
	require.Error(t, err)
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, protowire.Number(99), se.Field)
}

func TestOutOfRangeScalarRejected(t *testing.T) {
	codec := New(limits.ConservativeDefaults())

	var b []byte
	b = protowire.AppendTag(b, fieldType, protowire.BytesType)
	b = protowire.AppendString(b, "a-f-G")
	b = protowire.AppendTag(b, fieldUid, protowire.BytesType)
	b = protowire.AppendString(b, "x")
	b = protowire.AppendTag(b, fieldTimeNs, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()))
	b = protowire.AppendTag(b, fieldStartNs, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()))
	b = protowire.AppendTag(b, fieldStaleNs, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC).UnixNano()))
	b = protowire.AppendTag(b, fieldLat, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(95.0)) // beyond +90

	_, err := codec.Decode(b)
	require.Error(t, err)
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "point", fe.Field)
}

func TestTruncatedPayloadRejected(t *testing.T) {
	codec := New(limits.ConservativeDefaults())
	ev := buildEvent(t)

	payload, err := codec.Encode(ev)
	require.NoError(t, err)

	_, err = codec.Decode(payload[:len(payload)-3])
	require.Error(t, err)
}
