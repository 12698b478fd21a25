// Package config loads and validates the runtime configuration: the
// union of resource limits, transport, crypto selection, SAPIENT
// session, bridge, logging, and metrics settings. Strict mode validates
// the raw document against an embedded JSON Schema and rejects unknown
// fields.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Al2800/takrust/bridge"
	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/limits"
	"github.com/Al2800/takrust/wire"
)

// TransportConfig is the transport section of the configuration file.
type TransportConfig struct {
	Kind           string  `json:"kind" yaml:"kind"` // udp, tcp, tls, websocket
	Address        string  `json:"address" yaml:"address"`
	LocalAddress   string  `json:"local_address,omitempty" yaml:"local_address,omitempty"`
	InitialDelayMs int     `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	MaxDelayMs     int     `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	BackoffFactor  float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
	Jitter         float64 `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// CryptoConfig selects the TLS material for mutually-authenticated
// carriers.
type CryptoConfig struct {
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
}

// SapientConfig is the SAPIENT session section.
type SapientConfig struct {
	Address            string `json:"address" yaml:"address"`
	NodeID             string `json:"node_id" yaml:"node_id"`
	NodeType           string `json:"node_type,omitempty" yaml:"node_type,omitempty"`
	ReadTimeoutSeconds int    `json:"read_timeout_seconds,omitempty" yaml:"read_timeout_seconds,omitempty"`
	NoDelay            bool   `json:"tcp_nodelay,omitempty" yaml:"tcp_nodelay,omitempty"`
}

// NegotiationConfig is the wire negotiation section.
type NegotiationConfig struct {
	Policy                  string `json:"downgrade_policy,omitempty" yaml:"downgrade_policy,omitempty"` // fail_open | fail_closed
	StreamingTimeoutSeconds int    `json:"streaming_timeout_seconds,omitempty" yaml:"streaming_timeout_seconds,omitempty"`
}

// LoggingConfig is the logging section.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // text | json
}

// MetricsConfig is the metrics section.
type MetricsConfig struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Listen  string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// RecordConfig is the capture section.
type RecordConfig struct {
	Path      string  `json:"path,omitempty" yaml:"path,omitempty"`
	Integrity bool    `json:"integrity,omitempty" yaml:"integrity,omitempty"`
	TimeScale float64 `json:"time_scale,omitempty" yaml:"time_scale,omitempty"`
}

// NATSConfig is the broker egress section.
type NATSConfig struct {
	URL     string `json:"url,omitempty" yaml:"url,omitempty"`
	Subject string `json:"subject,omitempty" yaml:"subject,omitempty"`
}

// Config is the complete validated runtime configuration.
type Config struct {
	Limits      limits.Limits     `json:"limits" yaml:"limits"`
	Transport   TransportConfig   `json:"transport" yaml:"transport"`
	Crypto      CryptoConfig      `json:"crypto,omitempty" yaml:"crypto,omitempty"`
	Sapient     SapientConfig     `json:"sapient" yaml:"sapient"`
	Negotiation NegotiationConfig `json:"negotiation,omitempty" yaml:"negotiation,omitempty"`
	Bridge      bridge.Config     `json:"bridge" yaml:"bridge"`
	Logging     LoggingConfig     `json:"logging,omitempty" yaml:"logging,omitempty"`
	Metrics     MetricsConfig     `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Record      RecordConfig      `json:"record,omitempty" yaml:"record,omitempty"`
	NATS        NATSConfig        `json:"nats,omitempty" yaml:"nats,omitempty"`
	Strict      bool              `json:"strict,omitempty" yaml:"strict,omitempty"`
}

// Default returns a working configuration with conservative limits.
func Default() Config {
	return Config{
		Limits: limits.ConservativeDefaults(),
		Transport: TransportConfig{
			Kind:           "udp",
			Address:        "239.2.3.1:6969",
			InitialDelayMs: 500,
			MaxDelayMs:     30000,
			BackoffFactor:  2.0,
			Jitter:         0.25,
		},
		Sapient: SapientConfig{
			Address:            "127.0.0.1:12000",
			NodeID:             "takbridge",
			NodeType:           "bridge",
			ReadTimeoutSeconds: 30,
			NoDelay:            true,
		},
		Negotiation: NegotiationConfig{
			Policy:                  "fail_open",
			StreamingTimeoutSeconds: 60,
		},
		Bridge:  bridge.DefaultConfig(),
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML document, applies it over the defaults, and
// validates.
func Load(path string, strict bool) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config", "Load", "file read")
	}
	return Parse(data, strict)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte, strict bool) (Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(newBytesReader(data))
	if strict {
		decoder.KnownFields(true)
	}
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, errors.WrapInvalid(err, "config", "Parse", "yaml decode")
	}
	cfg.Strict = cfg.Strict || strict

	if cfg.Strict {
		if err := validateSchema(data); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the assembled configuration.
func (c Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return err
	}

	switch c.Transport.Kind {
	case "udp", "tcp", "tls", "websocket":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown transport kind %q", c.Transport.Kind),
			"config", "Validate", "transport kind")
	}
	if c.Transport.Address == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "transport address")
	}
	if c.Transport.Jitter < 0 || c.Transport.Jitter > 1 {
		return errors.WrapInvalid(
			fmt.Errorf("jitter %f outside [0, 1]", c.Transport.Jitter),
			"config", "Validate", "reconnect jitter")
	}
	if c.Transport.Kind == "tls" || c.Transport.Kind == "websocket" {
		if c.Crypto.CertFile == "" || c.Crypto.KeyFile == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "tls material")
		}
	}

	if c.Sapient.Address == "" || c.Sapient.NodeID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "sapient session")
	}

	if _, err := c.DowngradePolicy(); err != nil {
		return err
	}

	// The bridge shares the global limits; its section never overrides
	// them.
	bridgeCfg := c.Bridge
	bridgeCfg.Limits = c.Limits
	bridgeCfg.StrictMode = bridgeCfg.StrictMode || c.Strict
	if err := bridgeCfg.Validate(c.Limits, nil); err != nil {
		return err
	}

	if c.Record.TimeScale < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("time_scale must be >= 0"),
			"config", "Validate", "record time scale")
	}
	return nil
}

// DowngradePolicy resolves the configured negotiation policy.
func (c Config) DowngradePolicy() (wire.DowngradePolicy, error) {
	switch c.Negotiation.Policy {
	case "", "fail_open":
		return wire.FailOpen, nil
	case "fail_closed":
		return wire.FailClosed, nil
	default:
		return wire.FailOpen, errors.WrapInvalid(
			fmt.Errorf("unknown downgrade policy %q", c.Negotiation.Policy),
			"config", "DowngradePolicy", "policy parse")
	}
}

// MarshalJSONDocument renders the config as JSON for schema validation
// and the admin surface.
func (c Config) MarshalJSONDocument() ([]byte, error) {
	return json.Marshal(c)
}
