package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Al2800/takrust/envelope"
	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/metric"
)

// UDPMode selects the datagram addressing style.
type UDPMode int

const (
	// UDPUnicast sends to a single peer.
	UDPUnicast UDPMode = iota
	// UDPMulticast joins a group for receive and sends to it.
	UDPMulticast
	// UDPBroadcast enables the broadcast socket option.
	UDPBroadcast
)

// UDPConfig addresses a UDP carrier.
type UDPConfig struct {
	Mode       UDPMode
	LocalAddr  string // listen address, e.g. "0.0.0.0:4242"
	RemoteAddr string // send target; group address in multicast mode
}

// UDPDeps holds runtime dependencies for the UDP carrier.
type UDPDeps struct {
	Config          Config
	UDP             UDPConfig
	Clock           *envelope.Clock
	Filter          Filter
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// UDP is a datagram carrier. Oversize payloads are dropped and logged per
// the MTU policy, never split or truncated.
type UDP struct {
	conn    *net.UDPConn
	remote  *net.UDPAddr
	config  Config
	clock   *envelope.Clock
	filter  Filter
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	queue  *SendQueue
	closed bool
}

var _ Carrier = (*UDP)(nil)

// NewUDP binds the socket and builds the carrier.
func NewUDP(deps UDPDeps) (*UDP, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "udp-carrier")
	}
	clock := deps.Clock
	if clock == nil {
		clock = envelope.NewClock()
	}

	local, err := net.ResolveUDPAddr("udp", deps.UDP.LocalAddr)
	if err != nil {
		return nil, errors.WrapInvalid(err, "udp-carrier", "NewUDP", "local address resolution")
	}

	var conn *net.UDPConn
	if deps.UDP.Mode == UDPMulticast {
		group, gerr := net.ResolveUDPAddr("udp", deps.UDP.RemoteAddr)
		if gerr != nil {
			return nil, errors.WrapInvalid(gerr, "udp-carrier", "NewUDP", "group address resolution")
		}
		conn, err = net.ListenMulticastUDP("udp", nil, group)
		if err != nil {
			return nil, errors.WrapTransient(err, "udp-carrier", "NewUDP", "multicast join")
		}
	} else {
		conn, err = net.ListenUDP("udp", local)
		if err != nil {
			return nil, errors.WrapTransient(err, "udp-carrier", "NewUDP", "socket bind")
		}
	}

	var remote *net.UDPAddr
	if deps.UDP.RemoteAddr != "" {
		remote, err = net.ResolveUDPAddr("udp", deps.UDP.RemoteAddr)
		if err != nil {
			_ = conn.Close()
			return nil, errors.WrapInvalid(err, "udp-carrier", "NewUDP", "remote address resolution")
		}
	}

	queue, err := NewSendQueue(deps.Config.Queue, nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	// Larger OS buffer prevents drops under burst load.
	const socketBufferSize = 2 * 1024 * 1024
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		logger.Warn("Could not set UDP buffer size", "buffer_size", socketBufferSize, "error", err)
	}

	return &UDP{
		conn:    conn,
		remote:  remote,
		config:  deps.Config,
		clock:   clock,
		filter:  deps.Filter,
		logger:  logger,
		metrics: newMetrics(deps.MetricsRegistry, "udp"),
		queue:   queue,
	}, nil
}

// Send enqueues the frame under the queue bounds and drains the queue to
// the socket. MTU-oversize frames are dropped with a structured error.
func (u *UDP) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := CheckMtu(frame, u.config.Mtu); err != nil {
		u.metrics.recordOversize()
		u.logger.Warn("dropping oversize UDP payload",
			"payload_bytes", len(frame),
			"limit", u.config.Mtu.MaxUDPPayloadBytes)
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return errors.ErrClosed
	}

	report := u.queueEnqueue(frame)
	if !report.Accepted {
		return fmt.Errorf("udp send queue full: %w", errors.ErrOverloaded)
	}
	return u.drainLocked()
}

func (u *UDP) queueEnqueue(frame []byte) EnqueueReport {
	if u.queue == nil {
		u.queue, _ = NewSendQueue(u.config.Queue, nil)
	}
	report := u.queue.Enqueue(frame)
	u.metrics.recordDrops(report.DroppedMessages)
	u.metrics.setQueueDepth(u.queue.Len())
	return report
}

func (u *UDP) drainLocked() error {
	for {
		frame, ok := u.queue.Dequeue()
		if !ok {
			u.metrics.setQueueDepth(0)
			return nil
		}
		if u.config.WriteTimeout > 0 {
			_ = u.conn.SetWriteDeadline(time.Now().Add(u.config.WriteTimeout))
		}
		var err error
		if u.remote != nil {
			_, err = u.conn.WriteToUDP(frame, u.remote)
		} else {
			_, err = u.conn.Write(frame)
		}
		if err != nil {
			return errors.WrapTransient(err, "udp-carrier", "Send", "socket write")
		}
		u.metrics.recordSend(len(frame))
	}
}

// Recv blocks for the next datagram, honouring context cancellation via
// short read deadlines. One datagram is one frame.
func (u *UDP) Recv(ctx context.Context) (envelope.Envelope[[]byte], error) {
	buf := make([]byte, 65536)
	for {
		if err := ctx.Err(); err != nil {
			return envelope.Envelope[[]byte]{}, err
		}

		_ = u.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, peer, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return envelope.Envelope[[]byte]{}, errors.WrapTransient(err, "udp-carrier", "Recv", "socket read")
		}
		if n > u.config.Limits.MaxFrameBytes {
			u.metrics.recordDrops(1)
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		if u.filter != nil && !u.filter(frame) {
			continue
		}
		u.metrics.recordRecv(n)

		env := envelope.New(u.clock.Now(), frame).WithPeer(peer).WithRawFrame(frame)
		return env, nil
	}
}

// LocalAddr returns the bound socket address.
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// Close releases the socket.
func (u *UDP) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	return u.conn.Close()
}
