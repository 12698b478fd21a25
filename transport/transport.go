// Package transport provides the TAK-facing carriers: UDP unicast,
// multicast and broadcast, TCP, mutually-authenticated TLS, and WebSocket
// over TLS. Every carrier shares the bounded send-queue contract and the
// envelope receive path. The TCP/TLS stream carrier also reconnects under
// the backoff policy; the UDP and WebSocket carriers do not reconnect.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/Al2800/takrust/envelope"
	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/limits"
	"github.com/Al2800/takrust/pkg/retry"
)

// Carrier is the uniform frame-oriented send/recv contract. Send does not
// wait for queue space: the queue's overload policy makes room or the
// frame is rejected with ErrOverloaded. Recv produces frames in arrival
// order.
type Carrier interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) (envelope.Envelope[[]byte], error)
	Close() error
}

// ReconnectConfig is the exponential backoff policy for stream carriers.
type ReconnectConfig struct {
	InitialDelay  time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"`
	Jitter        float64       `json:"jitter" yaml:"jitter"`
}

// DefaultReconnectConfig returns the standard backoff policy.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        0.25,
	}
}

func (r ReconnectConfig) retryConfig() retry.Config {
	return retry.Reconnect(r.InitialDelay, r.MaxDelay, r.BackoffFactor, r.Jitter)
}

// KeepaliveConfig is the application-level heartbeat policy.
// Conn.KeepaliveExpired reports a peer silent for longer than Timeout;
// no carrier reconnects on its own when that happens.
type KeepaliveConfig struct {
	Interval time.Duration `json:"interval" yaml:"interval"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// MtuConfig bounds UDP payload sizes. Oversize payloads are dropped and
// logged; splitting raw CoT frames is undefined and never attempted.
type MtuConfig struct {
	MaxUDPPayloadBytes int  `json:"max_udp_payload_bytes" yaml:"max_udp_payload_bytes"`
	DropOversize       bool `json:"drop_oversize" yaml:"drop_oversize"`
}

// DefaultMtuConfig stays under the common 1500-byte Ethernet MTU with
// IP and UDP headers subtracted.
func DefaultMtuConfig() MtuConfig {
	return MtuConfig{MaxUDPPayloadBytes: 1472, DropOversize: true}
}

// OversizeError reports a datagram the MTU policy refused to send.
type OversizeError struct {
	PayloadBytes int
	Limit        int
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("transport: payload %d bytes exceeds udp limit %d; dropped", e.PayloadBytes, e.Limit)
}

// Unwrap maps onto the shared taxonomy.
func (e *OversizeError) Unwrap() error { return errors.ErrOverloaded }

// CheckMtu applies the UDP MTU policy. It either accepts the payload or
// returns an OversizeError; there is no fragmentation path.
func CheckMtu(payload []byte, mtu MtuConfig) error {
	if mtu.MaxUDPPayloadBytes <= 0 {
		return fmt.Errorf("transport: max_udp_payload_bytes must be > 0: %w", errors.ErrInvalidConfig)
	}
	if len(payload) > mtu.MaxUDPPayloadBytes {
		return &OversizeError{PayloadBytes: len(payload), Limit: mtu.MaxUDPPayloadBytes}
	}
	return nil
}

// TLSConfig selects certificates for mutually-authenticated TLS. Both
// sides present certificates by default.
type TLSConfig struct {
	Certificate    tls.Certificate
	RootCAs        *x509.CertPool
	ClientCAs      *x509.CertPool
	ServerName     string
	SkipClientCert bool // server side: do not require a client certificate
}

// ClientTLS builds the client-side TLS configuration.
func (c TLSConfig) ClientTLS() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.Certificate},
		RootCAs:      c.RootCAs,
		ServerName:   c.ServerName,
		MinVersion:   tls.VersionTLS12,
	}
}

// ServerTLS builds the server-side TLS configuration; client
// certificates are required unless explicitly skipped.
func (c TLSConfig) ServerTLS() *tls.Config {
	clientAuth := tls.RequireAndVerifyClientCert
	if c.SkipClientCert {
		clientAuth = tls.NoClientCert
	}
	return &tls.Config{
		Certificates: []tls.Certificate{c.Certificate},
		ClientCAs:    c.ClientCAs,
		ClientAuth:   clientAuth,
		MinVersion:   tls.VersionTLS12,
	}
}

// Config is the full transport configuration consumed by carriers.
type Config struct {
	Limits       limits.Limits
	Queue        QueueConfig
	Reconnect    ReconnectConfig
	Keepalive    KeepaliveConfig
	Mtu          MtuConfig
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns conservative transport defaults.
func DefaultConfig() Config {
	l := limits.ConservativeDefaults()
	return Config{
		Limits:       l,
		Queue:        DefaultQueueConfig(l),
		Reconnect:    DefaultReconnectConfig(),
		Keepalive:    KeepaliveConfig{Interval: 30 * time.Second, Timeout: 90 * time.Second},
		Mtu:          DefaultMtuConfig(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Filter is a per-connection inbound predicate; a false return drops the
// received frame before Recv returns it.
type Filter func(frame []byte) bool
