// Package sapient implements the SAPIENT v2 sensor-network session: a
// 4-byte little-endian length-prefix framed protobuf message family over
// TCP, with registration handshake, acknowledgement timeouts, and typed
// decode of registration, status, detection, alert, and task messages.
package sapient

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/limits"
)

// Kind identifies the content variant of a SAPIENT message.
type Kind string

// Message kinds.
const (
	KindRegistration    Kind = "registration"
	KindRegistrationAck Kind = "registration_ack"
	KindStatusReport    Kind = "status_report"
	KindDetection       Kind = "detection_report"
	KindAlert           Kind = "alert"
	KindAlertAck        Kind = "alert_ack"
	KindTask            Kind = "task"
	KindTaskAck         Kind = "task_ack"
)

// Content is the closed variant of message payloads.
type Content interface {
	Kind() Kind
}

// Message is one SAPIENT protocol message.
type Message struct {
	NodeID    string
	Timestamp time.Time
	Content   Content
}

// Registration announces a sensor node and its capabilities.
type Registration struct {
	NodeType     string
	Capabilities []string
}

// Kind implements Content.
func (Registration) Kind() Kind { return KindRegistration }

// RegistrationAck accepts or rejects a registration.
type RegistrationAck struct {
	Accepted bool
	Reason   string
}

// Kind implements Content.
func (RegistrationAck) Kind() Kind { return KindRegistrationAck }

// StatusReport carries periodic node health.
type StatusReport struct {
	System     string
	Info       string
	BatteryPct float64
}

// Kind implements Content.
func (StatusReport) Kind() Kind { return KindStatusReport }

// Classification is one class hypothesis with confidence.
type Classification struct {
	Type       string
	Confidence float64
}

// Behaviour is one behaviour hypothesis with confidence.
type Behaviour struct {
	Type       string
	Confidence float64
}

// DetectionReport is a single observation of a tracked object.
type DetectionReport struct {
	ObjectID        string
	DetectionID     string
	Latitude        float64
	Longitude       float64
	AltitudeM       float64
	HasAltitude     bool
	SpeedMS         float64
	HasSpeed        bool
	CourseDeg       float64
	HasCourse       bool
	Classifications []Classification
	Behaviours      []Behaviour
}

// Kind implements Content.
func (DetectionReport) Kind() Kind { return KindDetection }

// Alert is an asynchronous operator alert.
type Alert struct {
	AlertID     string
	Description string
	Severity    string
}

// Kind implements Content.
func (Alert) Kind() Kind { return KindAlert }

// AlertAck acknowledges an alert.
type AlertAck struct {
	AlertID string
}

// Kind implements Content.
func (AlertAck) Kind() Kind { return KindAlertAck }

// Task commands a sensor node.
type Task struct {
	TaskID  string
	Command string
}

// Kind implements Content.
func (Task) Kind() Kind { return KindTask }

// TaskAck accepts or rejects a task.
type TaskAck struct {
	TaskID   string
	Accepted bool
}

// Kind implements Content.
func (TaskAck) Kind() Kind { return KindTaskAck }

// ReadFrame reads one length-prefixed SAPIENT frame. The length is
// checked against the protobuf budget before the payload is read.
func ReadFrame(r io.Reader, l limits.Limits) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, fmt.Errorf("sapient: empty frame: %w", errors.ErrMalformedHeader)
	}
	if length > uint32(l.MaxProtobufBytes) {
		return nil, fmt.Errorf("sapient: frame %d bytes exceeds budget %d: %w",
			length, l.MaxProtobufBytes, errors.ErrFrameTooLarge)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed SAPIENT frame.
func WriteFrame(w io.Writer, payload []byte, l limits.Limits) error {
	if len(payload) == 0 {
		return fmt.Errorf("sapient: empty frame: %w", errors.ErrMalformedHeader)
	}
	if len(payload) > l.MaxProtobufBytes {
		return fmt.Errorf("sapient: frame %d bytes exceeds budget %d: %w",
			len(payload), l.MaxProtobufBytes, errors.ErrFrameTooLarge)
	}

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
