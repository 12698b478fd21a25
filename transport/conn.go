package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Al2800/takrust/envelope"
	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/metric"
	"github.com/Al2800/takrust/pkg/retry"
	"github.com/Al2800/takrust/wire"
)

// StreamConfig addresses a TCP or TLS stream carrier.
type StreamConfig struct {
	Address string
	// TLS enables mutually-authenticated TLS when non-nil.
	TLS *TLSConfig
	// NodeUID identifies this node in control events.
	NodeUID string
	// Policy is the negotiator's downgrade policy.
	Policy wire.DowngradePolicy
	// StreamingTimeout bounds the upgrade response window.
	StreamingTimeout time.Duration
	// NoDelay disables Nagle batching.
	NoDelay bool
}

// StreamDeps holds runtime dependencies for a stream connection.
type StreamDeps struct {
	Config          Config
	Stream          StreamConfig
	Clock           *envelope.Clock
	Filter          Filter
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Conn is a TCP or TLS stream carrier with protocol negotiation,
// bounded send queue, keepalive tracking, and reconnect support.
// Send and Recv are each driven by a single task; the two may run
// concurrently.
type Conn struct {
	deps    StreamDeps
	logger  *slog.Logger
	clock   *envelope.Clock
	metrics *Metrics

	mu           sync.Mutex
	conn         net.Conn
	reader       *bufio.Reader
	codec        *wire.StreamCodec
	negotiator   *wire.Negotiator
	telemetry    wire.Telemetry
	session      uint64
	protoUID     string
	offerExpires time.Time
	queue        *SendQueue
	lastActivity time.Time
	handshakes   int
	firstFailure time.Time
	closed       bool
}

var _ Carrier = (*Conn)(nil)

// Dial connects with exponential backoff and prepares the negotiation
// state. On reconnect the negotiation restarts from legacy XML.
func Dial(ctx context.Context, deps StreamDeps) (*Conn, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "stream-carrier", "address", deps.Stream.Address)
	}
	clock := deps.Clock
	if clock == nil {
		clock = envelope.NewClock()
	}

	if deps.Stream.StreamingTimeout <= 0 {
		deps.Stream.StreamingTimeout = 60 * time.Second
	}

	c := &Conn{
		deps:    deps,
		logger:  logger,
		clock:   clock,
		metrics: newMetrics(deps.MetricsRegistry, "stream"),
	}

	queue, err := NewSendQueue(deps.Config.Queue, nil)
	if err != nil {
		return nil, err
	}
	c.queue = queue

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect establishes the socket and resets negotiation state.
func (c *Conn) connect(ctx context.Context) error {
	cfg := c.deps.Config.Reconnect.retryConfig()

	return retry.Do(ctx, cfg, func() error {
		conn, err := c.dialOnce(ctx)
		if err != nil {
			if c.recordHandshakeFailure() {
				return retry.NonRetryable(fmt.Errorf("repeated handshake failures: %w", errors.ErrHandshakeFailed))
			}
			return err
		}

		c.mu.Lock()
		c.conn = conn
		c.reader = bufio.NewReaderSize(conn, 64*1024)
		c.codec = wire.NewStreamCodec(wire.FormatXML, c.deps.Config.Limits)
		c.negotiator = wire.NewNegotiator(c.deps.Stream.Policy)
		c.session++
		c.protoUID = uuid.NewString()
		c.offerExpires = time.Time{}
		c.lastActivity = time.Now()
		c.handshakes = 0
		c.mu.Unlock()
		return nil
	})
}

func (c *Conn) dialOnce(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.deps.Config.ReadTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", c.deps.Stream.Address)
	if err != nil {
		return nil, errors.WrapTransient(err, "stream-carrier", "Dial", "tcp connect")
	}

	if tcp, ok := raw.(*net.TCPConn); ok && c.deps.Stream.NoDelay {
		_ = tcp.SetNoDelay(true)
	}

	if c.deps.Stream.TLS == nil {
		return raw, nil
	}

	tlsConn := tls.Client(raw, c.deps.Stream.TLS.ClientTLS())
	handshakeCtx := ctx
	if c.deps.Config.ReadTimeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, c.deps.Config.ReadTimeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		_ = raw.Close()
		return nil, errors.WrapTransient(
			fmt.Errorf("%v: %w", err, errors.ErrHandshakeFailed),
			"stream-carrier", "Dial", "tls handshake")
	}
	return tlsConn, nil
}

// recordHandshakeFailure escalates to fatal after three consecutive
// failures within five initial delays.
func (c *Conn) recordHandshakeFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	window := 5 * c.deps.Config.Reconnect.InitialDelay
	if c.handshakes == 0 || now.Sub(c.firstFailure) > window {
		c.handshakes = 0
		c.firstFailure = now
	}
	c.handshakes++
	return c.handshakes >= 3 && now.Sub(c.firstFailure) <= window
}

// Reconnect tears down the socket and redials; negotiation restarts.
func (c *Conn) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.metrics.recordReconnect()
	return c.connect(ctx)
}

// StartNegotiation sends the upgrade offer and arms the response window.
// The offer is sent at most once per connection.
func (c *Conn) StartNegotiation(ctx context.Context, offerFrame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.negotiator.State() != wire.StateLegacyXML {
		return nil
	}

	if err := c.writeFrameLocked(ctx, offerFrame); err != nil {
		return err
	}
	ev := c.negotiator.BeginUpgrade()
	c.telemetry.Emit(c.session, c.negotiator.State(), ev)
	c.offerExpires = time.Now().Add(c.deps.Stream.StreamingTimeout)
	return nil
}

// ProtoUID returns the correlation identifier for this connection's
// outstanding offer.
func (c *Conn) ProtoUID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protoUID
}

// NegotiationState returns the current negotiator state.
func (c *Conn) NegotiationState() wire.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiator.State()
}

// Telemetry returns the negotiation transitions recorded so far.
func (c *Conn) Telemetry() []wire.TelemetryEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.telemetry.Events()
}

// HandleControl feeds a parsed (or failed) control response into the
// negotiator and applies the resulting transition to the codec and the
// connection.
func (c *Conn) HandleControl(ctrl wire.Control, parseErr error) wire.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if parseErr == nil && ctrl.ProtoUID != c.protoUID {
		parseErr = fmt.Errorf("protouid mismatch: %w", errors.ErrMalformedControl)
	}

	ev := c.negotiator.ObserveControl(ctrl, parseErr)
	c.applyTransitionLocked(ev)
	return ev
}

// CheckNegotiationTimeout applies the timeout transition once the offer
// window has expired.
func (c *Conn) CheckNegotiationTimeout(now time.Time) wire.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.offerExpires.IsZero() || now.Before(c.offerExpires) {
		return wire.Event{Kind: wire.KindNoChange}
	}
	c.offerExpires = time.Time{}
	ev := c.negotiator.ObserveTimeout()
	c.applyTransitionLocked(ev)
	return ev
}

// DenyByPolicy terminates the connection on operator configuration.
func (c *Conn) DenyByPolicy() wire.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := c.negotiator.ObservePolicyDenied()
	c.applyTransitionLocked(ev)
	return ev
}

func (c *Conn) applyTransitionLocked(ev wire.Event) {
	c.telemetry.Emit(c.session, c.negotiator.State(), ev)
	switch ev.Kind {
	case wire.KindUpgradeAccepted:
		c.codec.Upgrade()
		c.offerExpires = time.Time{}
		c.logger.Info("stream upgraded", "format", c.codec.Format().String())
	case wire.KindFallbackToLegacy:
		c.offerExpires = time.Time{}
		c.logger.Info("staying on legacy framing", "reason", ev.Reason.String())
	case wire.KindTerminated:
		c.offerExpires = time.Time{}
		c.logger.Warn("connection terminated by negotiation", "reason", ev.Reason.String())
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.closed = true
	}
}

// Send enqueues the frame and drains the queue to the socket in the
// negotiated framing.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return errors.ErrClosed
	}
	if c.negotiator.State() == wire.StateTerminated {
		return fmt.Errorf("negotiation terminated: %w", errors.ErrPolicyDenied)
	}

	report := c.queue.Enqueue(frame)
	c.metrics.recordDrops(report.DroppedMessages)
	c.metrics.setQueueDepth(c.queue.Len())
	if !report.Accepted {
		return fmt.Errorf("stream send queue full: %w", errors.ErrOverloaded)
	}

	for {
		next, ok := c.queue.Dequeue()
		if !ok {
			c.metrics.setQueueDepth(0)
			return nil
		}
		if err := c.writeFrameLocked(ctx, next); err != nil {
			return err
		}
	}
}

func (c *Conn) writeFrameLocked(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.deps.Config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.deps.Config.WriteTimeout))
	}
	if err := c.codec.WriteFrame(c.conn, frame); err != nil {
		return errors.WrapTransient(err, "stream-carrier", "Send", "frame write")
	}
	c.metrics.recordSend(len(frame))
	c.lastActivity = time.Now()
	return nil
}

// Recv reads the next frame in the negotiated framing. Control frames
// are returned like any other; the session layer routes them into
// HandleControl.
func (c *Conn) Recv(ctx context.Context) (envelope.Envelope[[]byte], error) {
	for {
		if err := ctx.Err(); err != nil {
			return envelope.Envelope[[]byte]{}, err
		}

		c.mu.Lock()
		conn, reader, codec := c.conn, c.reader, c.codec
		closed := c.closed
		c.mu.Unlock()
		if closed || conn == nil {
			return envelope.Envelope[[]byte]{}, errors.ErrClosed
		}

		// Short deadlines keep cancellation responsive.
		deadline := 250 * time.Millisecond
		if c.deps.Config.ReadTimeout > 0 && c.deps.Config.ReadTimeout < deadline {
			deadline = c.deps.Config.ReadTimeout
		}
		_ = conn.SetReadDeadline(time.Now().Add(deadline))

		frame, err := codec.ReadFrame(reader)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return envelope.Envelope[[]byte]{}, errors.WrapTransient(err, "stream-carrier", "Recv", "frame read")
		}

		if c.filterDrops(frame) {
			continue
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()
		c.metrics.recordRecv(len(frame))

		env := envelope.New(c.clock.Now(), frame).WithPeer(conn.RemoteAddr()).WithRawFrame(frame)
		return env, nil
	}
}

func (c *Conn) filterDrops(frame []byte) bool {
	return c.deps.Filter != nil && !c.deps.Filter(frame)
}

// KeepaliveExpired reports whether the peer has been silent past the
// keepalive timeout.
func (c *Conn) KeepaliveExpired(now time.Time) bool {
	if c.deps.Config.Keepalive.Timeout <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity) > c.deps.Config.Keepalive.Timeout
}

// Format returns the active wire format.
func (c *Conn) Format() wire.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec.Format()
}

// Close shuts the connection down.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
