package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/Al2800/takrust/errors"
)

func newBytesReader(data []byte) io.Reader { return bytes.NewReader(data) }

// configSchema is the JSON Schema the strict path validates raw
// documents against. Unknown top-level and per-section fields are
// rejected.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "limits": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_frame_bytes": {"type": "integer", "minimum": 1},
        "max_xml_scan_bytes": {"type": "integer", "minimum": 1},
        "max_protobuf_bytes": {"type": "integer", "minimum": 1},
        "max_queue_messages": {"type": "integer", "minimum": 1},
        "max_queue_bytes": {"type": "integer", "minimum": 1},
        "max_detail_elements": {"type": "integer", "minimum": 1}
      }
    },
    "transport": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "kind": {"type": "string", "enum": ["udp", "tcp", "tls", "websocket"]},
        "address": {"type": "string"},
        "local_address": {"type": "string"},
        "initial_delay_ms": {"type": "integer", "minimum": 0},
        "max_delay_ms": {"type": "integer", "minimum": 0},
        "backoff_factor": {"type": "number", "minimum": 1},
        "jitter": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "crypto": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "cert_file": {"type": "string"},
        "key_file": {"type": "string"},
        "ca_file": {"type": "string"}
      }
    },
    "sapient": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "address": {"type": "string"},
        "node_id": {"type": "string"},
        "node_type": {"type": "string"},
        "read_timeout_seconds": {"type": "integer", "minimum": 0},
        "tcp_nodelay": {"type": "boolean"}
      }
    },
    "negotiation": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "downgrade_policy": {"type": "string", "enum": ["fail_open", "fail_closed"]},
        "streaming_timeout_seconds": {"type": "integer", "minimum": 1}
      }
    },
    "bridge": {"type": "object"},
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
        "format": {"type": "string", "enum": ["text", "json"]}
      }
    },
    "metrics": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "listen": {"type": "string"}
      }
    },
    "record": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "path": {"type": "string"},
        "integrity": {"type": "boolean"},
        "time_scale": {"type": "number", "minimum": 0}
      }
    },
    "nats": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "url": {"type": "string"},
        "subject": {"type": "string"}
      }
    },
    "strict": {"type": "boolean"}
  }
}`

// validateSchema converts the YAML document to JSON and checks it
// against the embedded schema.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.WrapInvalid(err, "config", "validateSchema", "yaml parse")
	}
	if doc == nil {
		return nil
	}

	jsonDoc, err := json.Marshal(normalizeYAML(doc))
	if err != nil {
		return errors.WrapInvalid(err, "config", "validateSchema", "json conversion")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewBytesLoader(jsonDoc),
	)
	if err != nil {
		return errors.WrapInvalid(err, "config", "validateSchema", "schema evaluation")
	}
	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return errors.WrapInvalid(
			fmt.Errorf("%s: %w", strings.Join(details, "; "), errors.ErrInvalidConfig),
			"config", "validateSchema", "document validation")
	}
	return nil
}

// normalizeYAML rewrites map[any]any trees into map[string]any so the
// document marshals to JSON.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
