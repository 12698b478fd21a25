// Package natsclient manages the NATS connection used by the broker
// egress sink. It wraps connection lifecycle, reconnect options, and
// logging in one place so components depend on a single client.
package natsclient

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Al2800/takrust/errors"
)

// Config selects the NATS server and reconnect behavior.
type Config struct {
	URL            string
	Name           string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// DefaultConfig returns client defaults suitable for a local broker.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "takbridge",
		MaxReconnects:  -1, // retry forever
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
}

// Client owns one NATS connection.
type Client struct {
	config Config
	logger *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn
}

// New builds an unconnected client.
func New(config Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default().With("component", "natsclient")
	}
	return &Client{config: config, logger: logger}
}

// Connect establishes the connection with reconnect handlers wired to
// the structured logger.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	opts := []nats.Option{
		nats.Name(c.config.Name),
		nats.MaxReconnects(c.config.MaxReconnects),
		nats.ReconnectWait(c.config.ReconnectWait),
		nats.Timeout(c.config.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Info("nats connection closed")
		}),
	}

	conn, err := nats.Connect(c.config.URL, opts...)
	if err != nil {
		return errors.WrapTransient(err, "natsclient", "Connect", "broker connect")
	}
	c.conn = conn
	return nil
}

// Publish sends a payload to a subject.
func (c *Client) Publish(subject string, payload []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.WrapTransient(errors.ErrClosed, "natsclient", "Publish", "connection check")
	}
	if err := conn.Publish(subject, payload); err != nil {
		return errors.WrapTransient(err, "natsclient", "Publish", "broker publish")
	}
	return nil
}

// Connected reports whether the connection is live.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Close closes the connection; it does not drain it first.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
