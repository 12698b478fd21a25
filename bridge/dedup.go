package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/Al2800/takrust/sapient"
)

// DedupDecision is the deduplicator's verdict for one sighting.
type DedupDecision int

const (
	// Accepted: first surviving sighting of this key within the window.
	Accepted DedupDecision = iota
	// Duplicate: the key was seen within the window, or the sighting
	// lost an equal-offset tie; drop the message.
	Duplicate
)

// Resolution is the committed verdict for a previously offered
// sighting, identified by the caller's sequence handle.
type Resolution struct {
	Seq      uint64
	Decision DedupDecision
}

type dedupRecord struct {
	key    string
	seenAt time.Duration
}

type pendingSighting struct {
	key  string
	seq  uint64
	hash string
}

// Deduplicator discards messages whose composite key repeats within the
// sliding window. Decisions are committed only once the stream has
// moved past a sighting's observation offset: sightings sharing one
// offset are buffered, and within a key the lexicographically lowest
// raw-frame hash wins the slot. Either arrival order of a tied pair
// therefore converges on the same survivor, which keeps replay output
// byte-identical.
type Deduplicator struct {
	window  time.Duration
	keys    []string
	maxKeys int
	seen    map[string]dedupRecord
	order   []dedupRecord

	pending   []pendingSighting
	pendingAt time.Duration
}

// NewDeduplicator builds the window from configuration.
func NewDeduplicator(config Config) *Deduplicator {
	keys := config.DedupKeys
	if len(keys) == 0 {
		keys = []string{"node_id", "object_id", "timestamp"}
	}
	return &Deduplicator{
		window:  time.Duration(config.DedupWindowMs) * time.Millisecond,
		keys:    keys,
		maxKeys: config.Limits.MaxQueueMessages,
		seen:    make(map[string]dedupRecord),
	}
}

// Key derives the configured composite key for a detection.
func (d *Deduplicator) Key(nodeID string, det sapient.DetectionReport, timestamp time.Time) string {
	parts := make([]string, 0, len(d.keys))
	for _, field := range d.keys {
		switch field {
		case "node_id":
			parts = append(parts, nodeID)
		case "object_id":
			parts = append(parts, det.ObjectID)
		case "detection_id":
			parts = append(parts, det.DetectionID)
		case "timestamp":
			parts = append(parts, strconv.FormatInt(timestamp.UnixNano(), 10))
		}
	}
	return strings.Join(parts, "\x1f")
}

// Offer buffers a sighting and returns the resolutions of any sightings
// whose offsets the stream has now moved past. Offsets must be
// non-decreasing; seq is the caller's handle for matching resolutions
// back to buffered messages.
func (d *Deduplicator) Offer(key string, observedAt time.Duration, rawFrame []byte, seq uint64) []Resolution {
	if d.window == 0 {
		return []Resolution{{Seq: seq, Decision: Accepted}}
	}

	resolved := d.Advance(observedAt)
	d.pending = append(d.pending, pendingSighting{key: key, seq: seq, hash: frameHash(rawFrame)})
	d.pendingAt = observedAt
	return resolved
}

// Advance commits buffered sightings once the stream has reached a
// later offset. No sighting at an earlier offset can tie them anymore.
func (d *Deduplicator) Advance(now time.Duration) []Resolution {
	if len(d.pending) == 0 || now <= d.pendingAt {
		return nil
	}
	return d.resolvePending()
}

// Flush commits everything still buffered; call at end of stream.
func (d *Deduplicator) Flush() []Resolution {
	if len(d.pending) == 0 {
		return nil
	}
	return d.resolvePending()
}

func (d *Deduplicator) resolvePending() []Resolution {
	d.pruneExpired(d.pendingAt)

	// Champion per key: lexicographically lowest hash; identical hashes
	// carry identical frames, so the earliest arrival stands in.
	champions := make(map[string]pendingSighting, len(d.pending))
	for _, s := range d.pending {
		best, ok := champions[s.key]
		if !ok || s.hash < best.hash {
			champions[s.key] = s
		}
	}

	out := make([]Resolution, 0, len(d.pending))
	for _, s := range d.pending {
		decision := Duplicate
		if champions[s.key].seq == s.seq {
			prior, ok := d.seen[s.key]
			if !ok || d.pendingAt-prior.seenAt > d.window {
				decision = Accepted
				record := dedupRecord{key: s.key, seenAt: d.pendingAt}
				d.seen[s.key] = record
				d.order = append(d.order, record)
			}
		}
		out = append(out, Resolution{Seq: s.seq, Decision: decision})
	}

	d.pending = d.pending[:0]
	d.enforceCapacity()
	return out
}

func (d *Deduplicator) pruneExpired(now time.Duration) {
	cut := 0
	for cut < len(d.order) && now-d.order[cut].seenAt > d.window {
		if current, ok := d.seen[d.order[cut].key]; ok && current.seenAt == d.order[cut].seenAt {
			delete(d.seen, d.order[cut].key)
		}
		cut++
	}
	if cut > 0 {
		d.order = append([]dedupRecord(nil), d.order[cut:]...)
	}
}

func (d *Deduplicator) enforceCapacity() {
	for len(d.order) > d.maxKeys {
		victim := d.order[0]
		if current, ok := d.seen[victim.key]; ok && current.seenAt == victim.seenAt {
			delete(d.seen, victim.key)
		}
		d.order = d.order[1:]
	}
}

// Len returns the number of live window entries.
func (d *Deduplicator) Len() int { return len(d.seen) }

func frameHash(frame []byte) string {
	sum := sha256.Sum256(frame)
	return hex.EncodeToString(sum[:])
}
