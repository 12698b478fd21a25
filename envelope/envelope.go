// Package envelope defines the message envelope and the generic sink and
// source contracts shared by transports, codecs, the bridge, and the
// recorder.
//
// Design principles:
//   - Infrastructure-agnostic: envelopes carry data and observation
//     metadata, no routing or storage logic
//   - Dual timestamps: wall time for audit correlation, a monotonic
//     offset from session start for replay pacing
//   - Optional raw frame: audit-grade reproduction keeps the exact wire
//     bytes alongside the decoded message
package envelope

import (
	"context"
	"net"
	"time"
)

// ObservedTime pairs the wall-clock observation instant with the monotonic
// offset from session start. Wall time is for audit correlation only;
// the monotonic offset drives replay pacing.
type ObservedTime struct {
	Wall      time.Time
	Monotonic time.Duration
}

// Clock produces ObservedTime values anchored to a session epoch.
// The zero Clock is not usable; construct with NewClock.
type Clock struct {
	epochWall time.Time
	epoch     time.Time // monotonic anchor
}

// NewClock anchors a session clock at the current instant. The returned
// clock's monotonic offsets are strictly non-decreasing.
func NewClock() *Clock {
	now := time.Now()
	return &Clock{epochWall: now, epoch: now}
}

// Now returns the current observation relative to the session epoch.
func (c *Clock) Now() ObservedTime {
	now := time.Now()
	return ObservedTime{Wall: now, Monotonic: now.Sub(c.epoch)}
}

// EpochWall returns the wall time the session clock was anchored at.
func (c *Clock) EpochWall() time.Time { return c.epochWall }

// Envelope is the standard metadata wrapper for messages crossing a
// boundary in either direction.
type Envelope[T any] struct {
	Observed ObservedTime
	Peer     net.Addr
	RawFrame []byte
	Message  T
}

// New wraps a message with the given observation time.
func New[T any](observed ObservedTime, message T) Envelope[T] {
	return Envelope[T]{Observed: observed, Message: message}
}

// WithPeer returns a copy of the envelope annotated with the peer address.
func (e Envelope[T]) WithPeer(peer net.Addr) Envelope[T] {
	e.Peer = peer
	return e
}

// WithRawFrame returns a copy of the envelope carrying the raw wire bytes.
// The slice is not copied; callers hand over ownership.
func (e Envelope[T]) WithRawFrame(raw []byte) Envelope[T] {
	e.RawFrame = raw
	return e
}

// Sink consumes envelopes. Send blocks while downstream queues are full
// unless the implementation's overload policy selects a drop mode.
type Sink[T any] interface {
	Send(ctx context.Context, env Envelope[T]) error
	Close() error
}

// Source produces envelopes in arrival order.
type Source[T any] interface {
	Recv(ctx context.Context) (Envelope[T], error)
	Close() error
}
