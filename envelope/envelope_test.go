package envelope

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockMonotonicNonDecreasing(t *testing.T) {
	clock := NewClock()
	prev := clock.Now()
	for i := 0; i < 100; i++ {
		cur := clock.Now()
		assert.GreaterOrEqual(t, cur.Monotonic, prev.Monotonic)
		prev = cur
	}
}

func TestEnvelopeWithHelpers(t *testing.T) {
	clock := NewClock()
	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242}
	raw := []byte("<event/>")

	env := New(clock.Now(), "payload").WithPeer(peer).WithRawFrame(raw)
	assert.Equal(t, "payload", env.Message)
	assert.Equal(t, peer, env.Peer)
	assert.Equal(t, raw, env.RawFrame)
	assert.False(t, env.Observed.Wall.IsZero())
}

func TestStackOrderAndObserveLayer(t *testing.T) {
	clock := NewClock()
	var got []string
	terminal := SinkFunc[string](func(_ context.Context, env Envelope[string]) error {
		got = append(got, env.Message)
		require.False(t, env.Observed.Wall.IsZero(), "observe layer must stamp before terminal")
		return nil
	})

	var messages, bytes atomic.Int64
	sink := Stack(terminal,
		ObserveLayer[string](clock),
		CountLayer[string](&messages, &bytes),
	)

	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, sink.Send(context.Background(), Envelope[string]{Message: m, RawFrame: []byte{0x01, 0x02}}))
	}

	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, int64(3), messages.Load())
	assert.Equal(t, int64(6), bytes.Load())
}

func TestObserveLayerPreservesRecordedOffsets(t *testing.T) {
	clock := NewClock()
	recorded := ObservedTime{Wall: time.Unix(100, 0), Monotonic: 5 * time.Second}

	var seen ObservedTime
	sink := Stack(SinkFunc[int](func(_ context.Context, env Envelope[int]) error {
		seen = env.Observed
		return nil
	}), ObserveLayer[int](clock))

	require.NoError(t, sink.Send(context.Background(), New(recorded, 1)))
	assert.Equal(t, recorded, seen)
}
