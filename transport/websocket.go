package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Al2800/takrust/envelope"
	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/metric"
)

// WSConfig addresses a WebSocket carrier. TLS is selected by the URL
// scheme (wss) and configured through the TLS field.
type WSConfig struct {
	URL     string
	TLS     *TLSConfig
	Headers http.Header
}

// WSDeps holds runtime dependencies for the WebSocket carrier.
type WSDeps struct {
	Config          Config
	WS              WSConfig
	Clock           *envelope.Clock
	Filter          Filter
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// WS carries frames as binary WebSocket messages.
type WS struct {
	conn    *websocket.Conn
	config  Config
	clock   *envelope.Clock
	filter  Filter
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	queue  *SendQueue
	closed bool
}

var _ Carrier = (*WS)(nil)

// DialWS connects the WebSocket carrier.
func DialWS(ctx context.Context, deps WSDeps) (*WS, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "ws-carrier", "url", deps.WS.URL)
	}
	clock := deps.Clock
	if clock == nil {
		clock = envelope.NewClock()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: deps.Config.ReadTimeout,
	}
	if deps.WS.TLS != nil {
		dialer.TLSClientConfig = deps.WS.TLS.ClientTLS()
	}

	conn, resp, err := dialer.DialContext(ctx, deps.WS.URL, deps.WS.Headers)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, errors.WrapTransient(
			fmt.Errorf("dial %s (status %d): %v: %w", deps.WS.URL, status, err, errors.ErrHandshakeFailed),
			"ws-carrier", "DialWS", "websocket handshake")
	}

	queue, err := NewSendQueue(deps.Config.Queue, nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &WS{
		conn:    conn,
		config:  deps.Config,
		clock:   clock,
		filter:  deps.Filter,
		logger:  logger,
		metrics: newMetrics(deps.MetricsRegistry, "websocket"),
		queue:   queue,
	}, nil
}

// Send enqueues the frame and drains the queue as binary messages.
func (w *WS) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.ErrClosed
	}
	if len(frame) > w.config.Limits.MaxFrameBytes {
		return fmt.Errorf("ws frame %d bytes: %w", len(frame), errors.ErrFrameTooLarge)
	}

	report := w.queue.Enqueue(frame)
	w.metrics.recordDrops(report.DroppedMessages)
	if !report.Accepted {
		return fmt.Errorf("ws send queue full: %w", errors.ErrOverloaded)
	}

	for {
		next, ok := w.queue.Dequeue()
		if !ok {
			return nil
		}
		if w.config.WriteTimeout > 0 {
			_ = w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteTimeout))
		}
		if err := w.conn.WriteMessage(websocket.BinaryMessage, next); err != nil {
			return errors.WrapTransient(err, "ws-carrier", "Send", "message write")
		}
		w.metrics.recordSend(len(next))
	}
}

// Recv reads the next binary message as one frame. Cancellation is
// delivered by closing the carrier; a WebSocket read error poisons the
// connection, so short polling deadlines are not usable here.
func (w *WS) Recv(ctx context.Context) (envelope.Envelope[[]byte], error) {
	for {
		if err := ctx.Err(); err != nil {
			return envelope.Envelope[[]byte]{}, err
		}

		if w.config.ReadTimeout > 0 {
			_ = w.conn.SetReadDeadline(time.Now().Add(w.config.ReadTimeout))
		}
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			return envelope.Envelope[[]byte]{}, errors.WrapTransient(err, "ws-carrier", "Recv", "message read")
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		if len(data) > w.config.Limits.MaxFrameBytes {
			w.metrics.recordDrops(1)
			continue
		}
		if w.filter != nil && !w.filter(data) {
			continue
		}
		w.metrics.recordRecv(len(data))

		env := envelope.New(w.clock.Now(), data).WithPeer(w.conn.RemoteAddr()).WithRawFrame(data)
		return env, nil
	}
}

// Close sends a close frame and releases the socket.
func (w *WS) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	deadline := time.Now().Add(time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return w.conn.Close()
}
