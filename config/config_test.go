package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/wire"
)

const sampleYAML = `
limits:
  max_frame_bytes: 524288
  max_xml_scan_bytes: 262144
  max_protobuf_bytes: 262144
  max_queue_messages: 512
  max_queue_bytes: 4194304
  max_detail_elements: 256
transport:
  kind: tcp
  address: "tak.example.net:8087"
  initial_delay_ms: 250
  max_delay_ms: 10000
  backoff_factor: 2.0
  jitter: 0.2
sapient:
  address: "127.0.0.1:12000"
  node_id: "bridge-7"
  tcp_nodelay: true
negotiation:
  downgrade_policy: fail_closed
  streaming_timeout_seconds: 30
logging:
  level: debug
  format: json
`

func TestParseAppliesOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML), false)
	require.NoError(t, err)

	assert.Equal(t, "tcp", cfg.Transport.Kind)
	assert.Equal(t, 524288, cfg.Limits.MaxFrameBytes)
	assert.Equal(t, 250, cfg.Transport.InitialDelayMs)
	assert.Equal(t, "bridge-7", cfg.Sapient.NodeID)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, 15, cfg.Bridge.CotStaleSeconds)

	policy, err := cfg.DowngradePolicy()
	require.NoError(t, err)
	assert.Equal(t, wire.FailClosed, policy)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "takbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, "tak.example.net:8087", cfg.Transport.Address)

	_, err = Load(filepath.Join(dir, "missing.yaml"), false)
	require.Error(t, err)
}

func TestStrictRejectsUnknownFields(t *testing.T) {
	doc := sampleYAML + "\nunknown_section:\n  whatever: 1\n"

	_, err := Parse([]byte(doc), true)
	require.Error(t, err)

	// Strict mode accepts the same document without the unknown
	// section.
	_, err = Parse([]byte(sampleYAML), true)
	require.NoError(t, err)
}

func TestStrictSchemaRejectsBadValues(t *testing.T) {
	doc := `
transport:
  kind: carrier-pigeon
  address: "x"
sapient:
  address: "127.0.0.1:1"
  node_id: "n"
`
	_, err := Parse([]byte(doc), true)
	require.Error(t, err)
}

func TestValidateRejectsInvalidLimits(t *testing.T) {
	cfg := Default()
	cfg.Limits.MaxXMLScanBytes = cfg.Limits.MaxFrameBytes + 1
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresTLSMaterial(t *testing.T) {
	cfg := Default()
	cfg.Transport.Kind = "tls"
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMissingConfig))

	cfg.Crypto.CertFile = "/etc/takbridge/client.pem"
	cfg.Crypto.KeyFile = "/etc/takbridge/client.key"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadJitter(t *testing.T) {
	cfg := Default()
	cfg.Transport.Jitter = 1.5
	require.Error(t, cfg.Validate())
}

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}
