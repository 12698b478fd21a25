package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDedup(t *testing.T, windowMs int) *Deduplicator {
	t.Helper()
	cfg := testConfig()
	cfg.DedupWindowMs = windowMs
	return NewDeduplicator(cfg)
}

func decisions(resolutions []Resolution) map[uint64]DedupDecision {
	out := make(map[uint64]DedupDecision, len(resolutions))
	for _, r := range resolutions {
		out[r.Seq] = r.Decision
	}
	return out
}

func TestOfferCommitsOnceOffsetAdvances(t *testing.T) {
	d := newDedup(t, 1000)

	// Nothing commits while the stream sits at the sighting's offset.
	res := d.Offer("k", 0, []byte("f1"), 1)
	assert.Empty(t, res)

	// Moving past the offset commits the buffered sighting.
	res = d.Offer("other", 50*time.Millisecond, []byte("f2"), 2)
	require.Len(t, res, 1)
	assert.Equal(t, Resolution{Seq: 1, Decision: Accepted}, res[0])

	res = d.Flush()
	require.Len(t, res, 1)
	assert.Equal(t, Resolution{Seq: 2, Decision: Accepted}, res[0])
}

func TestDuplicateWithinWindow(t *testing.T) {
	d := newDedup(t, 1000)

	d.Offer("k", 0, []byte("f1"), 1)
	res := d.Offer("k", 100*time.Millisecond, []byte("f2"), 2)
	require.Len(t, res, 1)
	assert.Equal(t, Accepted, res[0].Decision)

	// Same key inside the window: duplicate.
	res = d.Offer("k", 200*time.Millisecond, []byte("f3"), 3)
	require.Len(t, res, 1)
	assert.Equal(t, Resolution{Seq: 2, Decision: Duplicate}, res[0])

	// Outside the window the key is fresh again.
	res = d.Offer("k", 2*time.Second, []byte("f4"), 4)
	require.Len(t, res, 1)
	assert.Equal(t, Duplicate, res[0].Decision) // seq 3 was still inside

	res = d.Flush()
	require.Len(t, res, 1)
	assert.Equal(t, Resolution{Seq: 4, Decision: Accepted}, res[0])
}

func TestEqualOffsetTieWonByLowestHash(t *testing.T) {
	frameA := []byte("frame-a")
	frameZ := []byte("frame-z")

	lowest := frameA
	other := frameZ
	if frameHash(frameZ) < frameHash(frameA) {
		lowest, other = frameZ, frameA
	}

	// Arrival order one way.
	d1 := newDedup(t, 1000)
	d1.Offer("k", 0, lowest, 1)
	d1.Offer("k", 0, other, 2)
	first := decisions(d1.Flush())

	// And the other way.
	d2 := newDedup(t, 1000)
	d2.Offer("k", 0, other, 2)
	d2.Offer("k", 0, lowest, 1)
	second := decisions(d2.Flush())

	// Both orders converge on the lower-hash survivor.
	assert.Equal(t, Accepted, first[1])
	assert.Equal(t, Duplicate, first[2])
	assert.Equal(t, first, second)
}

func TestEqualOffsetTieDifferentKeysBothSurvive(t *testing.T) {
	d := newDedup(t, 1000)
	d.Offer("k1", 0, []byte("f1"), 1)
	d.Offer("k2", 0, []byte("f2"), 2)

	res := decisions(d.Flush())
	assert.Equal(t, Accepted, res[1])
	assert.Equal(t, Accepted, res[2])
}

func TestTieSurvivorStillDuplicateOfPriorWindowEntry(t *testing.T) {
	d := newDedup(t, 1000)

	d.Offer("k", 0, []byte("f0"), 1)
	res := d.Offer("k", 100*time.Millisecond, []byte("f1"), 2)
	require.Len(t, res, 1)
	assert.Equal(t, Accepted, res[0].Decision)

	// A later sighting inside the window loses to the accepted seq 1
	// even though it won its own offset slot.
	d.Offer("k", 200*time.Millisecond, []byte("f2"), 3)
	res = d.Offer("other", 300*time.Millisecond, []byte("f3"), 4)
	require.Len(t, res, 1)
	assert.Equal(t, Resolution{Seq: 3, Decision: Duplicate}, res[0])
}

func TestZeroWindowAcceptsImmediately(t *testing.T) {
	d := newDedup(t, 0)

	res := d.Offer("k", 0, []byte("f1"), 1)
	require.Len(t, res, 1)
	assert.Equal(t, Resolution{Seq: 1, Decision: Accepted}, res[0])
	assert.Empty(t, d.Flush())
}
