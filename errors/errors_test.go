package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}

func TestWrapPreservesChain(t *testing.T) {
	err := Wrap(ErrFrameTooLarge, "wire", "ReadFrame", "length check")
	require.Error(t, err)
	assert.True(t, Is(err, ErrFrameTooLarge))
	assert.Contains(t, err.Error(), "wire.ReadFrame: length check failed")
	assert.NoError(t, Wrap(nil, "wire", "ReadFrame", "length check"))
}

func TestClassifiedWrappers(t *testing.T) {
	base := fmt.Errorf("boom")

	transient := WrapTransient(base, "transport", "Send", "socket write")
	invalid := WrapInvalid(base, "cotxml", "Decode", "token scan")
	fatal := WrapFatal(base, "record", "Append", "chunk flush")

	assert.True(t, IsTransient(transient))
	assert.True(t, IsInvalid(invalid))
	assert.True(t, IsFatal(fatal))

	var ce *ClassifiedError
	require.True(t, As(fatal, &ce))
	assert.Equal(t, "record", ce.Component)
	assert.Equal(t, "Append", ce.Operation)
	assert.True(t, Is(fatal, base))
}

func TestSentinelClassification(t *testing.T) {
	// Budget and framing violations are invalid input, not retryable.
	for _, err := range []error{
		ErrFrameTooLarge, ErrVarintOverflow, ErrMalformedHeader,
		ErrMalformedControl, ErrXMLScanBudgetExceeded,
		ErrDetailBudgetExceeded, ErrProtoBudgetExceeded,
	} {
		assert.Equal(t, ErrorInvalid, Classify(err), "%v", err)
	}

	// Integrity violations and policy denials are fatal.
	for _, err := range []error{
		ErrIntegrityBroken, ErrChunkChecksumMismatch,
		ErrStrictStartupFailed, ErrPolicyDenied,
	} {
		assert.Equal(t, ErrorFatal, Classify(err), "%v", err)
	}

	// Overload and reachability failures may be retried.
	for _, err := range []error{ErrOverloaded, ErrUnreachable, ErrNegotiationTimeout} {
		assert.Equal(t, ErrorTransient, Classify(err), "%v", err)
	}
}

func TestIsTransientContextDeadline(t *testing.T) {
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("dial tcp: connection refused")))
	assert.False(t, IsTransient(nil))
}

func TestWrappedSentinelsKeepClassification(t *testing.T) {
	err := fmt.Errorf("session 7: %w", ErrChunkChecksumMismatch)
	assert.True(t, IsFatal(err))

	err = fmt.Errorf("frame at offset 4096: %w", ErrFrameTooLarge)
	assert.True(t, IsInvalid(err))
}
