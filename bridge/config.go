// Package bridge implements the SAPIENT-to-CoT pipeline: correlation,
// deduplication, time policy, classification mapping, optional alpha-beta
// smoothing, and rate-limited emission.
//
// Determinism is a release gate: for identical configuration and an
// identical input stream, the emitted CoT sequence is byte-identical
// across runs and across replay. Every stage therefore derives its
// decisions from the input envelopes alone, never from the runtime
// clock.
package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/limits"
)

// UidPolicy selects how SAPIENT identities map to stable CoT UIDs.
type UidPolicy string

// UID policies.
const (
	StablePerObject    UidPolicy = "stable_per_object"
	StablePerDetection UidPolicy = "stable_per_detection"
	CustomUid          UidPolicy = "custom"
)

// TimeMode selects the source of the CoT time field.
type TimeMode string

// Time policy modes.
const (
	MessageTime           TimeMode = "message_time"
	ObservedTime          TimeMode = "observed_time"
	ObservedWithSkewClamp TimeMode = "observed_with_skew_clamp"
)

// SmoothingMode selects the track smoother.
type SmoothingMode string

// Smoothing modes.
const (
	SmoothingNone      SmoothingMode = "none"
	SmoothingAlphaBeta SmoothingMode = "alpha_beta"
)

// BehaviourDetail maps a behaviour label onto a detail extension.
type BehaviourDetail struct {
	DetailKey string `json:"detail_key" yaml:"detail_key"`
	Severity  string `json:"severity" yaml:"severity"`
}

// EmissionConfig bounds the emitter.
type EmissionConfig struct {
	MaxUpdatesPerSecond int              `json:"max_updates_per_second" yaml:"max_updates_per_second"`
	MinSeparationMs     int              `json:"min_separation_ms" yaml:"min_separation_ms"`
	ClassPriority       map[string]uint8 `json:"class_priority" yaml:"class_priority"`
}

// Config is the validated bridge configuration.
type Config struct {
	Limits limits.Limits `json:"limits" yaml:"limits"`

	UidPolicy UidPolicy `json:"uid_policy" yaml:"uid_policy"`
	UidPrefix string    `json:"uid_prefix" yaml:"uid_prefix"`
	// CustomUidFunc must be a pure function when UidPolicy is custom.
	CustomUidFunc func(nodeID, objectID, detectionID string) string `json:"-" yaml:"-"`

	CotStaleSeconds int `json:"cot_stale_seconds" yaml:"cot_stale_seconds"`

	TimeMode       TimeMode `json:"time_policy" yaml:"time_policy"`
	MaxSkewSeconds int      `json:"max_skew_seconds" yaml:"max_skew_seconds"`

	DedupWindowMs int      `json:"dedup_window_ms" yaml:"dedup_window_ms"`
	DedupKeys     []string `json:"dedup_keys" yaml:"dedup_keys"`

	CacheTTLSeconds int    `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	PersistencePath string `json:"persistence_path" yaml:"persistence_path"`

	Smoothing      SmoothingMode `json:"smoothing" yaml:"smoothing"`
	SmoothingAlpha float64       `json:"smoothing_alpha" yaml:"smoothing_alpha"`
	SmoothingBeta  float64       `json:"smoothing_beta" yaml:"smoothing_beta"`

	Emission EmissionConfig `json:"emission" yaml:"emission"`

	ClassificationMapping map[string]string          `json:"classification_mapping" yaml:"classification_mapping"`
	BehaviourMapping      map[string]BehaviourDetail `json:"behaviour_mapping" yaml:"behaviour_mapping"`
	// MappingComplete asserts the classification table covers every
	// label the deployment will see.
	MappingComplete bool `json:"mapping_complete" yaml:"mapping_complete"`

	StrictMode           bool   `json:"strict_mode" yaml:"strict_mode"`
	UnknownClassFallback string `json:"unknown_class_fallback" yaml:"unknown_class_fallback"`
}

// DefaultConfig returns a working non-strict configuration.
func DefaultConfig() Config {
	return Config{
		Limits:          limits.ConservativeDefaults(),
		UidPolicy:       StablePerObject,
		UidPrefix:       "trk",
		CotStaleSeconds: 15,
		TimeMode:        ObservedWithSkewClamp,
		MaxSkewSeconds:  5,
		DedupWindowMs:   1000,
		DedupKeys:       []string{"node_id", "object_id", "timestamp"},
		CacheTTLSeconds: 300,
		Smoothing:       SmoothingNone,
		SmoothingAlpha:  0.5,
		SmoothingBeta:   0.1,
		Emission: EmissionConfig{
			MaxUpdatesPerSecond: 20,
			MinSeparationMs:     100,
		},
		ClassificationMapping: map[string]string{},
		BehaviourMapping:      map[string]BehaviourDetail{},
		UnknownClassFallback:  "a-u-G",
	}
}

// StartupError is the structured strict-startup failure.
type StartupError struct {
	Reason string
	Cause  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("bridge: strict startup failed: %s", e.Reason)
}

// Unwrap returns ErrStrictStartupFailed plus any cause.
func (e *StartupError) Unwrap() []error {
	if e.Cause != nil {
		return []error{errors.ErrStrictStartupFailed, e.Cause}
	}
	return []error{errors.ErrStrictStartupFailed}
}

// Validate checks the configuration. Under strict mode it additionally
// enforces the startup contract: mapping coverage against the provided
// conformance labels (or an explicit completeness mark), a non-empty
// fallback, a writable persistence path, and bridge limits within the
// transport limits.
func (c Config) Validate(transportLimits limits.Limits, conformanceLabels []string) error {
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if c.CotStaleSeconds < 1 {
		return fmt.Errorf("bridge: cot_stale_seconds must be >= 1: %w", errors.ErrInvalidConfig)
	}
	switch c.UidPolicy {
	case StablePerObject, StablePerDetection:
	case CustomUid:
		if c.CustomUidFunc == nil {
			return fmt.Errorf("bridge: custom uid policy requires a function: %w", errors.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("bridge: unknown uid policy %q: %w", c.UidPolicy, errors.ErrInvalidConfig)
	}
	switch c.TimeMode {
	case MessageTime, ObservedTime:
	case ObservedWithSkewClamp:
		if c.MaxSkewSeconds <= 0 {
			return fmt.Errorf("bridge: skew clamp requires max_skew_seconds > 0: %w", errors.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("bridge: unknown time policy %q: %w", c.TimeMode, errors.ErrInvalidConfig)
	}
	if c.DedupWindowMs < 0 {
		return fmt.Errorf("bridge: dedup_window_ms must be >= 0: %w", errors.ErrInvalidConfig)
	}
	if c.CacheTTLSeconds <= 0 {
		return fmt.Errorf("bridge: cache_ttl_seconds must be > 0: %w", errors.ErrInvalidConfig)
	}
	if c.Smoothing == SmoothingAlphaBeta {
		if c.SmoothingAlpha <= 0 || c.SmoothingAlpha > 1 || c.SmoothingBeta < 0 || c.SmoothingBeta > 2 {
			return fmt.Errorf("bridge: alpha-beta gains out of range: %w", errors.ErrInvalidConfig)
		}
	}
	if c.Emission.MaxUpdatesPerSecond <= 0 {
		return fmt.Errorf("bridge: max_updates_per_second must be > 0: %w", errors.ErrInvalidConfig)
	}
	if c.Emission.MinSeparationMs < 0 {
		return fmt.Errorf("bridge: min_separation_ms must be >= 0: %w", errors.ErrInvalidConfig)
	}

	if !c.StrictMode {
		return nil
	}

	// Strict startup contract.
	if c.UnknownClassFallback == "" {
		return &StartupError{Reason: "unknown_class_fallback is empty"}
	}
	if c.Limits.MaxFrameBytes > transportLimits.MaxFrameBytes ||
		c.Limits.MaxXMLScanBytes > transportLimits.MaxXMLScanBytes ||
		c.Limits.MaxProtobufBytes > transportLimits.MaxProtobufBytes ||
		c.Limits.MaxQueueMessages > transportLimits.MaxQueueMessages ||
		c.Limits.MaxQueueBytes > transportLimits.MaxQueueBytes ||
		c.Limits.MaxDetailElements > transportLimits.MaxDetailElements {
		return &StartupError{Reason: "bridge limits exceed transport limits"}
	}
	if !c.MappingComplete {
		for _, label := range conformanceLabels {
			if _, ok := c.ClassificationMapping[label]; !ok {
				return &StartupError{
					Reason: fmt.Sprintf("classification mapping missing label %q", label),
					Cause:  errors.ErrMappingIncomplete,
				}
			}
		}
	}
	if c.PersistencePath != "" {
		dir := filepath.Dir(c.PersistencePath)
		probe := filepath.Join(dir, ".takbridge-probe")
		f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return &StartupError{Reason: "persistence path not writable", Cause: errors.ErrPersistenceFailed}
		}
		_ = f.Close()
		_ = os.Remove(probe)
	}

	return nil
}

// StaleDuration returns the configured stale interval.
func (c Config) StaleDuration() time.Duration {
	return time.Duration(c.CotStaleSeconds) * time.Second
}

// CacheTTL returns the correlation cache TTL.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}
