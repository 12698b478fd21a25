// Package errors provides standardized error handling for the bridging
// runtime. It includes error classification, the closed per-subsystem
// sentinel taxonomy, and helper functions for consistent error wrapping
// across the system. Recoverable errors are returned and surfaced to the
// caller; nothing in this module panics on adversarial input.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors forming the closed subsystem taxonomy. Boundary code
// wraps these with offset/field context via the structured error types in
// each package; callers dispatch with errors.Is.
var (
	// Wire framing and negotiation
	ErrFrameTooLarge      = errors.New("frame exceeds configured limit")
	ErrVarintOverflow     = errors.New("varint overflow")
	ErrMalformedHeader    = errors.New("malformed frame header")
	ErrMalformedControl   = errors.New("malformed control event")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrNegotiationTimeout = errors.New("negotiation timeout")
	ErrPolicyDenied       = errors.New("denied by policy")

	// Transport
	ErrClosed             = errors.New("transport closed")
	ErrOverloaded         = errors.New("send queue overloaded")
	ErrHandshakeFailed    = errors.New("handshake failed")
	ErrCertificateInvalid = errors.New("certificate invalid")
	ErrUnreachable        = errors.New("peer unreachable")
	ErrInterrupted        = errors.New("operation interrupted")

	// Bridge
	ErrMappingIncomplete    = errors.New("classification mapping incomplete")
	ErrUnknownClassRejected = errors.New("unknown classification rejected")
	ErrStrictStartupFailed  = errors.New("strict startup validation failed")
	ErrPersistenceFailed    = errors.New("correlation persistence failed")

	// Record
	ErrChunkChecksumMismatch = errors.New("chunk checksum mismatch")
	ErrIndexCorrupt          = errors.New("record index corrupt")
	ErrIntegrityBroken       = errors.New("integrity chain broken")
	ErrWriteTruncated        = errors.New("record write truncated")
	ErrUnsupportedRecord     = errors.New("unsupported record version")

	// Budgets
	ErrXMLScanBudgetExceeded = errors.New("xml scan budget exceeded")
	ErrDetailBudgetExceeded  = errors.New("detail element budget exceeded")
	ErrProtoBudgetExceeded   = errors.New("protobuf budget exceeded")

	// Configuration
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrOverloaded) ||
		errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrInterrupted) ||
		errors.Is(err, ErrNegotiationTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporary", "unavailable", "busy"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	// Integrity violations are never silently repaired.
	return errors.Is(err, ErrIntegrityBroken) ||
		errors.Is(err, ErrChunkChecksumMismatch) ||
		errors.Is(err, ErrStrictStartupFailed) ||
		errors.Is(err, ErrPolicyDenied) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrVarintOverflow) ||
		errors.Is(err, ErrMalformedHeader) ||
		errors.Is(err, ErrMalformedControl) ||
		errors.Is(err, ErrXMLScanBudgetExceeded) ||
		errors.Is(err, ErrDetailBudgetExceeded) ||
		errors.Is(err, ErrProtoBudgetExceeded)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}

	// Default to transient for unknown errors to allow retry
	return ErrorTransient
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// Is reports whether any error in err's chain matches target.
// Re-exported so callers need only this package.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// New returns an error with the given text.
func New(text string) error { return errors.New(text) }
