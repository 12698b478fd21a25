package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Al2800/takrust/cot"
)

func TestFailOpenTimeoutFallsBackToLegacy(t *testing.T) {
	n := NewNegotiator(FailOpen)
	n.BeginUpgrade()

	ev := n.ObserveTimeout()
	assert.Equal(t, KindFallbackToLegacy, ev.Kind)
	assert.Equal(t, ReasonTimeout, ev.Reason)
	assert.Equal(t, StateLegacyXML, n.State())
}

func TestFailClosedTimeoutTerminates(t *testing.T) {
	n := NewNegotiator(FailClosed)
	n.BeginUpgrade()

	ev := n.ObserveTimeout()
	assert.Equal(t, KindTerminated, ev.Kind)
	assert.Equal(t, ReasonTimeout, ev.Reason)
	assert.Equal(t, StateTerminated, n.State())
	assert.Equal(t, ReasonTimeout, n.TerminationReason())
}

func TestDowngradePolicyMatrix(t *testing.T) {
	observations := []struct {
		name    string
		observe func(*Negotiator) Event
		reason  Reason
	}{
		{"timeout", (*Negotiator).ObserveTimeout, ReasonTimeout},
		{"malformed", (*Negotiator).ObserveMalformedControl, ReasonMalformedControl},
		{"unsupported", (*Negotiator).ObserveReject, ReasonUnsupportedVersion},
	}

	for _, obs := range observations {
		t.Run(obs.name+"/fail-open", func(t *testing.T) {
			n := NewNegotiator(FailOpen)
			n.BeginUpgrade()
			ev := obs.observe(n)
			assert.Equal(t, KindFallbackToLegacy, ev.Kind)
			assert.Equal(t, obs.reason, ev.Reason)
			assert.Equal(t, StateLegacyXML, n.State())
		})
		t.Run(obs.name+"/fail-closed", func(t *testing.T) {
			n := NewNegotiator(FailClosed)
			n.BeginUpgrade()
			ev := obs.observe(n)
			assert.Equal(t, KindTerminated, ev.Kind)
			assert.Equal(t, obs.reason, ev.Reason)
			assert.Equal(t, StateTerminated, n.State())
		})
	}
}

func TestAcceptUpgradesWhenAwaiting(t *testing.T) {
	n := NewNegotiator(FailClosed)
	n.BeginUpgrade()

	ev := n.ObserveAccept(VersionV1)
	assert.Equal(t, KindUpgradeAccepted, ev.Kind)
	assert.Equal(t, StateTakProtoV1, n.State())

	// No transition back to legacy on the same connection.
	ev = n.ObserveTimeout()
	assert.Equal(t, KindNoChange, ev.Kind)
	assert.Equal(t, StateTakProtoV1, n.State())
}

func TestAcceptWithUnknownVersionUsesPolicyPath(t *testing.T) {
	n := NewNegotiator(FailOpen)
	n.BeginUpgrade()

	ev := n.ObserveAccept(ProtocolVersion(2))
	assert.Equal(t, KindFallbackToLegacy, ev.Kind)
	assert.Equal(t, ReasonUnsupportedVersion, ev.Reason)
}

func TestPolicyDeniedTerminatesFromAnyState(t *testing.T) {
	n := NewNegotiator(FailOpen)
	ev := n.ObservePolicyDenied()
	assert.Equal(t, KindTerminated, ev.Kind)
	assert.Equal(t, ReasonPolicyDenied, ev.Reason)
	assert.Equal(t, StateTerminated, n.State())

	// Idempotent once terminated.
	assert.Equal(t, KindNoChange, n.ObservePolicyDenied().Kind)
}

func TestOfferSentAtMostOnce(t *testing.T) {
	n := NewNegotiator(FailOpen)
	n.BeginUpgrade()
	n.ObserveTimeout() // back to legacy under fail-open

	// The offer was already spent; a second attempt does not re-arm.
	ev := n.BeginUpgrade()
	assert.Equal(t, KindNoChange, ev.Kind)
	assert.Equal(t, StateLegacyXML, n.State())
}

func TestNonAwaitingObservationsAreNoops(t *testing.T) {
	n := NewNegotiator(FailClosed)
	assert.Equal(t, KindNoChange, n.ObserveTimeout().Kind)
	assert.Equal(t, KindNoChange, n.ObserveReject().Kind)
	assert.Equal(t, StateLegacyXML, n.State())
}

func TestControlEventRoundTrip(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	offer, err := NewProtocolSupport("NODE-1", "proto-abc", at)
	require.NoError(t, err)
	assert.Equal(t, TypeProtocolSupport, offer.Type().String())
	assert.True(t, IsControlType(offer.Type().String()))

	ctrl, err := ParseControl(offer)
	require.NoError(t, err)
	assert.Equal(t, "proto-abc", ctrl.ProtoUID)
	assert.Equal(t, VersionV1, ctrl.MinV)
	assert.Equal(t, VersionV1, ctrl.MaxV)

	accept, err := NewResponse("PEER-1", "proto-abc", true, VersionV1, at)
	require.NoError(t, err)
	ctrl, err = ParseControl(accept)
	require.NoError(t, err)
	assert.True(t, ctrl.Accept)
	assert.Equal(t, VersionV1, ctrl.Version)

	reject, err := NewResponse("PEER-1", "proto-abc", false, VersionV1, at)
	require.NoError(t, err)
	ctrl, err = ParseControl(reject)
	require.NoError(t, err)
	assert.False(t, ctrl.Accept)
}

func TestResponseMissingProtouidIsMalformed(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	uid, _ := cot.NewUid("PEER-1")
	ct, _ := cot.NewCotType(TypeResponse)
	pt, _ := cot.NewPosition(0, 0)
	detail, _ := cot.NewDetail([]cot.DetailElement{
		cot.Unknown{Name: "TakControl", XML: `<TakControl status="accepted" version="1"></TakControl>`},
	})
	ev, err := cot.NewEvent(cot.EventSpec{
		Uid: uid, Type: ct, Point: pt, Detail: detail,
		Time: at, Start: at, Stale: at.Add(time.Minute),
	})
	require.NoError(t, err)

	_, perr := ParseControl(ev)
	require.Error(t, perr)

	// Scenario: malformed control under fail-closed terminates.
	n := NewNegotiator(FailClosed)
	n.BeginUpgrade()
	nev := n.ObserveControl(Control{}, perr)
	assert.Equal(t, KindTerminated, nev.Kind)
	assert.Equal(t, ReasonMalformedControl, nev.Reason)
}

func TestCompliantPeerScenario(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	n := NewNegotiator(FailOpen)
	n.BeginUpgrade()

	response, err := NewResponse("PEER-1", "proto-abc", true, VersionV1, at)
	require.NoError(t, err)
	ctrl, perr := ParseControl(response)
	require.NoError(t, perr)

	ev := n.ObserveControl(ctrl, nil)
	assert.Equal(t, KindUpgradeAccepted, ev.Kind)
	assert.Equal(t, StateTakProtoV1, n.State())
}

func TestTelemetryRoundTrip(t *testing.T) {
	n := NewNegotiator(FailOpen)
	var tel Telemetry

	tel.Emit(41, n.State(), n.BeginUpgrade())
	ev := n.ObserveReject()
	te := tel.Emit(41, n.State(), ev)

	assert.Equal(t, uint64(41), te.Session)
	assert.Equal(t, uint64(1), te.Sequence)
	assert.Equal(t, StateLegacyXML, te.State)
	assert.Equal(t, KindFallbackToLegacy, te.Event.Kind)

	payload := te.EncodeRecordPayload()
	decoded, err := DecodeTelemetryPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, te, decoded)

	assert.Equal(t, "wire.negotiation.v1", TelemetryChannel)
	assert.Len(t, tel.Events(), 2)
}

func TestMeshContactTable(t *testing.T) {
	cfg := DefaultMeshConfig()
	cfg.ContactStaleAfter = time.Minute
	table := NewContactTable(cfg)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// No contacts: emit own maximum.
	d := table.Decide(now)
	assert.False(t, d.UseLegacy)
	assert.Equal(t, VersionV1, d.Version)

	table.Observe("peer-a", VersionV1, VersionV1, now)
	table.Observe("peer-b", VersionV1, ProtocolVersion(2), now)
	assert.Equal(t, []string{"peer-a", "peer-b"}, table.Contacts(now))

	d = table.Decide(now)
	assert.False(t, d.UseLegacy)
	assert.Equal(t, VersionV1, d.Version)

	// peer-a ages out; the window is re-derived from the survivors.
	later := now.Add(2 * time.Minute)
	table.Observe("peer-b", VersionV1, ProtocolVersion(2), later)
	assert.Equal(t, []string{"peer-b"}, table.Contacts(later))

	table.Prune(later)
	_, ok := table.contacts["peer-a"]
	assert.False(t, ok)
}

func TestMeshEmptyIntersectionFallsBack(t *testing.T) {
	cfg := DefaultMeshConfig()
	table := NewContactTable(cfg)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// A contact supporting only a newer window than ours.
	table.Observe("peer-future", ProtocolVersion(3), ProtocolVersion(4), now)
	d := table.Decide(now)
	assert.True(t, d.UseLegacy, "no common version and legacy allowed")

	cfg.AllowLegacyFallback = false
	strict := NewContactTable(cfg)
	strict.Observe("peer-future", ProtocolVersion(3), ProtocolVersion(4), now)
	d = strict.Decide(now)
	assert.False(t, d.UseLegacy)
	assert.Equal(t, cfg.MinVersion, d.Version)
}
