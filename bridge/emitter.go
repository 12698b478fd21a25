package bridge

import (
	"time"
)

// EmitDecision is the emitter's verdict for one event.
type EmitDecision int

const (
	// Emit: the event passes the rate limits.
	Emit EmitDecision = iota
	// DropRateLimited: the priority class token bucket is empty.
	DropRateLimited
	// DropSeparation: the event arrived inside the minimum
	// inter-emission gap for its UID.
	DropSeparation
)

// String returns the decision name for structured drop events.
func (d EmitDecision) String() string {
	switch d {
	case Emit:
		return "emit"
	case DropRateLimited:
		return "drop-rate-limited"
	default:
		return "drop-separation"
	}
}

type tokenBucket struct {
	tokens   float64
	lastFill time.Duration
	primed   bool
}

// Emitter rate-limits emission per priority class with a token bucket
// and enforces a minimum per-UID separation. All timing derives from the
// monotonic observation offsets of the input stream, never the runtime
// clock, so decisions replay identically.
type Emitter struct {
	ratePerSecond float64
	burst         float64
	minSeparation time.Duration
	classPriority map[string]uint8

	buckets  map[uint8]*tokenBucket
	lastEmit map[string]time.Duration
	lastSet  map[string]bool

	emitted uint64
	dropped uint64
}

// NewEmitter builds the emitter from configuration.
func NewEmitter(config Config) *Emitter {
	rate := float64(config.Emission.MaxUpdatesPerSecond)
	return &Emitter{
		ratePerSecond: rate,
		burst:         rate,
		minSeparation: time.Duration(config.Emission.MinSeparationMs) * time.Millisecond,
		classPriority: config.Emission.ClassPriority,
		buckets:       make(map[uint8]*tokenBucket),
		lastEmit:      make(map[string]time.Duration),
		lastSet:       make(map[string]bool),
	}
}

// PriorityFor resolves the priority class for a classification label.
func (e *Emitter) PriorityFor(label string) uint8 {
	if p, ok := e.classPriority[label]; ok {
		return p
	}
	return 128
}

// Decide applies the per-class token bucket and per-UID separation gap
// at the given monotonic offset.
func (e *Emitter) Decide(uid string, priority uint8, observedAt time.Duration) EmitDecision {
	if e.lastSet[uid] && observedAt-e.lastEmit[uid] < e.minSeparation {
		e.dropped++
		return DropSeparation
	}

	bucket, ok := e.buckets[priority]
	if !ok {
		bucket = &tokenBucket{tokens: e.burst, lastFill: observedAt, primed: true}
		e.buckets[priority] = bucket
	} else {
		elapsed := observedAt - bucket.lastFill
		if elapsed > 0 {
			bucket.tokens += elapsed.Seconds() * e.ratePerSecond
			if bucket.tokens > e.burst {
				bucket.tokens = e.burst
			}
			bucket.lastFill = observedAt
		}
	}

	if bucket.tokens < 1 {
		e.dropped++
		return DropRateLimited
	}
	bucket.tokens--
	e.lastEmit[uid] = observedAt
	e.lastSet[uid] = true
	e.emitted++
	return Emit
}

// Emitted returns the count of emitted events.
func (e *Emitter) Emitted() uint64 { return e.emitted }

// Dropped returns the count of rate-limit and separation drops.
func (e *Emitter) Dropped() uint64 { return e.dropped }
