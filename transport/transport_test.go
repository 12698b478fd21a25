package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Al2800/takrust/cot"
	"github.com/Al2800/takrust/cotxml"
	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/limits"
	"github.com/Al2800/takrust/wire"
)

func TestCheckMtuPolicy(t *testing.T) {
	mtu := MtuConfig{MaxUDPPayloadBytes: 8, DropOversize: true}

	assert.NoError(t, CheckMtu([]byte("tak"), mtu))
	assert.NoError(t, CheckMtu(bytes.Repeat([]byte{'x'}, 8), mtu))

	err := CheckMtu(bytes.Repeat([]byte{'x'}, 9), mtu)
	require.Error(t, err)
	var oe *OversizeError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, 9, oe.PayloadBytes)
	assert.Equal(t, 8, oe.Limit)

	err = CheckMtu([]byte("x"), MtuConfig{MaxUDPPayloadBytes: 0})
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestUDPLoopback(t *testing.T) {
	cfg := DefaultConfig()

	receiver, err := NewUDP(UDPDeps{
		Config: cfg,
		UDP:    UDPConfig{LocalAddr: "127.0.0.1:0"},
	})
	require.NoError(t, err)
	defer receiver.Close()

	sender, err := NewUDP(UDPDeps{
		Config: cfg,
		UDP: UDPConfig{
			LocalAddr:  "127.0.0.1:0",
			RemoteAddr: receiver.LocalAddr().String(),
		},
	})
	require.NoError(t, err)
	defer sender.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := []byte(`<event uid="u"><point lat="1" lon="2"/></event>`)
	require.NoError(t, sender.Send(ctx, payload))

	env, err := receiver.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, env.Message)
	assert.Equal(t, payload, env.RawFrame)
	assert.NotNil(t, env.Peer)
	assert.False(t, env.Observed.Wall.IsZero())
}

func TestUDPOversizeDropped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mtu.MaxUDPPayloadBytes = 16

	sender, err := NewUDP(UDPDeps{
		Config: cfg,
		UDP:    UDPConfig{LocalAddr: "127.0.0.1:0", RemoteAddr: "127.0.0.1:9"},
	})
	require.NoError(t, err)
	defer sender.Close()

	err = sender.Send(context.Background(), bytes.Repeat([]byte{'x'}, 17))
	require.Error(t, err)
	var oe *OversizeError
	assert.ErrorAs(t, err, &oe)
}

func TestUDPInboundFilter(t *testing.T) {
	cfg := DefaultConfig()

	receiver, err := NewUDP(UDPDeps{
		Config: cfg,
		UDP:    UDPConfig{LocalAddr: "127.0.0.1:0"},
		Filter: func(frame []byte) bool { return !bytes.Contains(frame, []byte("blocked")) },
	})
	require.NoError(t, err)
	defer receiver.Close()

	sender, err := NewUDP(UDPDeps{
		Config: cfg,
		UDP:    UDPConfig{LocalAddr: "127.0.0.1:0", RemoteAddr: receiver.LocalAddr().String()},
	})
	require.NoError(t, err)
	defer sender.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sender.Send(ctx, []byte("blocked frame")))
	require.NoError(t, sender.Send(ctx, []byte("passed frame")))

	env, err := receiver.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "passed frame", string(env.Message))
}

// echoListener accepts one TCP connection and echoes writes back.
// A non-nil echoFilter limits which chunks are reflected.
func echoListener(t *testing.T, echoFilter func([]byte) bool) (net.Listener, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 64*1024)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				done <- nil
				return
			}
			if echoFilter != nil && !echoFilter(buf[:n]) {
				continue
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				done <- err
				return
			}
		}
	}()
	return ln, done
}

func TestStreamConnSendRecv(t *testing.T) {
	ln, _ := echoListener(t, nil)
	defer ln.Close()

	cfg := DefaultConfig()
	cfg.Reconnect.InitialDelay = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, StreamDeps{
		Config: cfg,
		Stream: StreamConfig{
			Address: ln.Addr().String(),
			NodeUID: "NODE-1",
			Policy:  wire.FailOpen,
			NoDelay: true,
		},
	})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, wire.StateLegacyXML, conn.NegotiationState())
	assert.Equal(t, wire.FormatXML, conn.Format())

	frame := []byte(`<event uid="e1" type="a-f-G"><point lat="1" lon="2"/></event>`)
	require.NoError(t, conn.Send(ctx, frame))

	env, err := conn.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, frame, env.Message)
}

func TestStreamConnNegotiationTimeoutFailOpen(t *testing.T) {
	ln, _ := echoListener(t, nil)
	defer ln.Close()

	cfg := DefaultConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, StreamDeps{
		Config: cfg,
		Stream: StreamConfig{
			Address:          ln.Addr().String(),
			NodeUID:          "NODE-1",
			Policy:           wire.FailOpen,
			StreamingTimeout: 50 * time.Millisecond,
			// The echo peer reflects our own offer back; drop it so the
			// negotiation window expires like a silent legacy peer.
		},
		Filter: func(frame []byte) bool { return !bytes.Contains(frame, []byte("TakControl")) },
	})
	require.NoError(t, err)
	defer conn.Close()

	offer, err := wire.NewProtocolSupport("NODE-1", conn.ProtoUID(), time.Now().UTC())
	require.NoError(t, err)
	offerXML := encodeControl(t, offer)
	require.NoError(t, conn.StartNegotiation(ctx, offerXML))
	assert.Equal(t, wire.StateAwaitingResponse, conn.NegotiationState())

	ev := conn.CheckNegotiationTimeout(time.Now().Add(time.Second))
	assert.Equal(t, wire.KindFallbackToLegacy, ev.Kind)
	assert.Equal(t, wire.ReasonTimeout, ev.Reason)
	assert.Equal(t, wire.StateLegacyXML, conn.NegotiationState())
	assert.Equal(t, wire.FormatXML, conn.Format())

	// Scenario 1: subsequent sends still use XML delimiter framing.
	frame := []byte(`<event uid="after-timeout" type="a-f-G"><point lat="1" lon="2"/></event>`)
	require.NoError(t, conn.Send(ctx, frame))

	transitions := conn.Telemetry()
	require.NotEmpty(t, transitions)
	last := transitions[len(transitions)-1]
	assert.Equal(t, wire.KindFallbackToLegacy, last.Event.Kind)
}

func TestStreamConnUpgradeAccepted(t *testing.T) {
	ln, _ := echoListener(t, func(b []byte) bool { return len(b) > 0 && b[0] == 0xBF })
	defer ln.Close()

	cfg := DefaultConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, StreamDeps{
		Config: cfg,
		Stream: StreamConfig{
			Address: ln.Addr().String(),
			NodeUID: "NODE-1",
			Policy:  wire.FailClosed,
		},
	})
	require.NoError(t, err)
	defer conn.Close()

	offer, err := wire.NewProtocolSupport("NODE-1", conn.ProtoUID(), time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, conn.StartNegotiation(ctx, encodeControl(t, offer)))

	// Scenario 2: compliant peer accepts V1.
	accept := wire.Control{ProtoUID: conn.ProtoUID(), Accept: true, Version: wire.VersionV1}
	ev := conn.HandleControl(accept, nil)
	assert.Equal(t, wire.KindUpgradeAccepted, ev.Kind)
	assert.Equal(t, wire.StateTakProtoV1, conn.NegotiationState())
	assert.Equal(t, wire.FormatTakV1, conn.Format())

	// The next emitted frame is 0xBF || varint || payload; the echo
	// peer reflects it byte-for-byte.
	payload := []byte{0x0A, 0x03, 'a', 'b', 'c'}
	require.NoError(t, conn.Send(ctx, payload))
	env, err := conn.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, env.Message)
}

func TestStreamConnMalformedControlFailClosed(t *testing.T) {
	ln, _ := echoListener(t, nil)
	defer ln.Close()

	cfg := DefaultConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, StreamDeps{
		Config: cfg,
		Stream: StreamConfig{
			Address: ln.Addr().String(),
			NodeUID: "NODE-1",
			Policy:  wire.FailClosed,
		},
	})
	require.NoError(t, err)
	defer conn.Close()

	offer, err := wire.NewProtocolSupport("NODE-1", conn.ProtoUID(), time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, conn.StartNegotiation(ctx, encodeControl(t, offer)))

	// Scenario 3: response missing protouid terminates under fail-closed.
	ev := conn.HandleControl(wire.Control{}, fmt.Errorf("missing protouid: %w", errors.ErrMalformedControl))
	assert.Equal(t, wire.KindTerminated, ev.Kind)
	assert.Equal(t, wire.ReasonMalformedControl, ev.Reason)

	err = conn.Send(ctx, []byte("<event/>"))
	require.Error(t, err)
}

// encodeControl renders a control event in legacy XML for the tests.
func encodeControl(t *testing.T, ev cot.Event) []byte {
	t.Helper()
	frame, err := cotxml.New(limits.ConservativeDefaults(), nil).Encode(ev)
	require.NoError(t, err)
	return frame
}
