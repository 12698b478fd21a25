// Package nats provides the broker egress sink: emitted CoT events are
// serialized as XML payloads and published to a NATS subject for
// downstream consumers.
package nats

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/Al2800/takrust/cot"
	"github.com/Al2800/takrust/cotxml"
	"github.com/Al2800/takrust/envelope"
	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/limits"
	"github.com/Al2800/takrust/natsclient"
)

// OutputDeps holds runtime dependencies for the sink.
type OutputDeps struct {
	Subject string
	Client  *natsclient.Client
	Limits  limits.Limits
	Logger  *slog.Logger
}

// Output publishes CoT events to a subject. It implements
// envelope.Sink[cot.Event].
type Output struct {
	subject string
	client  *natsclient.Client
	codec   *cotxml.Codec
	logger  *slog.Logger

	published atomic.Int64
	failed    atomic.Int64
}

var _ envelope.Sink[cot.Event] = (*Output)(nil)

// NewOutput builds the sink.
func NewOutput(deps OutputDeps) (*Output, error) {
	if deps.Client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "nats-output", "NewOutput", "client check")
	}
	if deps.Subject == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "nats-output", "NewOutput", "subject check")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "nats-output", "subject", deps.Subject)
	}

	return &Output{
		subject: deps.Subject,
		client:  deps.Client,
		codec:   cotxml.New(deps.Limits, nil),
		logger:  logger,
	}, nil
}

// Send serializes and publishes one event. The raw frame is reused when
// the envelope already carries one.
func (o *Output) Send(ctx context.Context, env envelope.Envelope[cot.Event]) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload := env.RawFrame
	if payload == nil {
		encoded, err := o.codec.Encode(env.Message)
		if err != nil {
			o.failed.Add(1)
			return err
		}
		payload = encoded
	}

	if err := o.client.Publish(o.subject, payload); err != nil {
		o.failed.Add(1)
		return err
	}
	o.published.Add(1)
	return nil
}

// Stats returns published and failed counts.
func (o *Output) Stats() (published, failed int64) {
	return o.published.Load(), o.failed.Load()
}

// Close is a no-op; the shared client owns the connection.
func (o *Output) Close() error { return nil }
