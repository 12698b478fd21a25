package sapient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Al2800/takrust/envelope"
	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/limits"
	"github.com/Al2800/takrust/pkg/retry"
)

// SessionConfig governs a SAPIENT TCP session.
type SessionConfig struct {
	Address     string
	NodeID      string
	NodeType    string
	Limits      limits.Limits
	ReadTimeout time.Duration
	// AckTimeout bounds the registration handshake; it defaults to the
	// read timeout.
	AckTimeout time.Duration
	NoDelay    bool
	Reconnect  retry.Config
}

// SessionDeps holds runtime dependencies for a session.
type SessionDeps struct {
	Config SessionConfig
	Clock  *envelope.Clock
	Logger *slog.Logger
}

// Session manages a registered SAPIENT connection: framing, codec,
// registration handshake, and reconnect.
type Session struct {
	config SessionConfig
	codec  *Codec
	clock  *envelope.Clock
	logger *slog.Logger

	mu         sync.Mutex
	conn       net.Conn
	registered bool
	closed     bool
}

// NewSession builds an unconnected session.
func NewSession(deps SessionDeps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "sapient-session", "node_id", deps.Config.NodeID)
	}
	clock := deps.Clock
	if clock == nil {
		clock = envelope.NewClock()
	}
	if deps.Config.AckTimeout <= 0 {
		deps.Config.AckTimeout = deps.Config.ReadTimeout
	}

	return &Session{
		config: deps.Config,
		codec:  NewCodec(deps.Config.Limits),
		clock:  clock,
		logger: logger,
	}
}

// Connect dials with the reconnect policy and performs the registration
// handshake. The handshake fails if the acknowledgement does not arrive
// within the ack timeout.
func (s *Session) Connect(ctx context.Context) error {
	return retry.Do(ctx, s.config.Reconnect, func() error {
		if err := s.dial(ctx); err != nil {
			return err
		}
		if err := s.register(ctx); err != nil {
			s.teardown()
			return err
		}
		return nil
	})
}

func (s *Session) dial(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: s.config.ReadTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.config.Address)
	if err != nil {
		return errors.WrapTransient(err, "sapient-session", "Connect", "tcp connect")
	}
	if tcp, ok := conn.(*net.TCPConn); ok && s.config.NoDelay {
		_ = tcp.SetNoDelay(true)
	}

	s.mu.Lock()
	s.conn = conn
	s.registered = false
	s.mu.Unlock()
	return nil
}

func (s *Session) register(ctx context.Context) error {
	reg := Message{
		NodeID:    s.config.NodeID,
		Timestamp: time.Now().UTC(),
		Content:   Registration{NodeType: s.config.NodeType},
	}
	if err := s.Send(ctx, reg); err != nil {
		return err
	}

	deadline := time.Now().Add(s.config.AckTimeout)
	for {
		if time.Now().After(deadline) {
			return errors.WrapTransient(
				fmt.Errorf("no registration ack within %v: %w", s.config.AckTimeout, errors.ErrNegotiationTimeout),
				"sapient-session", "Connect", "registration handshake")
		}

		env, err := s.recvWithDeadline(ctx, deadline)
		if err != nil {
			return err
		}
		ack, ok := env.Message.Content.(RegistrationAck)
		if !ok {
			// Pre-registration traffic other than the ack is ignored.
			continue
		}
		if !ack.Accepted {
			return retry.NonRetryable(errors.WrapFatal(
				fmt.Errorf("registration rejected: %s", ack.Reason),
				"sapient-session", "Connect", "registration handshake"))
		}

		s.mu.Lock()
		s.registered = true
		s.mu.Unlock()
		s.logger.Info("sapient session registered", "address", s.config.Address)
		return nil
	}
}

// Send frames and writes one message.
func (s *Session) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn == nil {
		return errors.ErrClosed
	}

	payload, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}
	if s.config.ReadTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.config.ReadTimeout))
	}
	if err := WriteFrame(s.conn, payload, s.config.Limits); err != nil {
		return errors.WrapTransient(err, "sapient-session", "Send", "frame write")
	}
	return nil
}

// Recv reads the next message, honouring context cancellation.
func (s *Session) Recv(ctx context.Context) (envelope.Envelope[Message], error) {
	return s.recvWithDeadline(ctx, time.Time{})
}

func (s *Session) recvWithDeadline(ctx context.Context, deadline time.Time) (envelope.Envelope[Message], error) {
	for {
		if err := ctx.Err(); err != nil {
			return envelope.Envelope[Message]{}, err
		}

		s.mu.Lock()
		conn := s.conn
		closed := s.closed
		s.mu.Unlock()
		if closed || conn == nil {
			return envelope.Envelope[Message]{}, errors.ErrClosed
		}

		step := time.Now().Add(250 * time.Millisecond)
		if !deadline.IsZero() && deadline.Before(step) {
			step = deadline
		}
		_ = conn.SetReadDeadline(step)

		payload, err := ReadFrame(conn, s.config.Limits)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if !deadline.IsZero() && time.Now().After(deadline) {
					return envelope.Envelope[Message]{}, errors.WrapTransient(
						errors.ErrNegotiationTimeout, "sapient-session", "Recv", "deadline wait")
				}
				continue
			}
			return envelope.Envelope[Message]{}, errors.WrapTransient(err, "sapient-session", "Recv", "frame read")
		}

		msg, err := s.codec.Decode(payload)
		if err != nil {
			// Malformed frames are dropped; the session continues.
			s.logger.Warn("dropping malformed sapient frame", "error", err)
			continue
		}

		raw := make([]byte, len(payload))
		copy(raw, payload)
		env := envelope.New(s.clock.Now(), msg).WithPeer(conn.RemoteAddr()).WithRawFrame(raw)
		return env, nil
	}
}

// Registered reports whether the handshake has completed.
func (s *Session) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *Session) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.registered = false
}

// Close shuts the session down.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
