package envelope

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// SinkFunc adapts a function to the Sink interface.
type SinkFunc[T any] func(ctx context.Context, env Envelope[T]) error

// Send calls f.
func (f SinkFunc[T]) Send(ctx context.Context, env Envelope[T]) error { return f(ctx, env) }

// Close is a no-op.
func (f SinkFunc[T]) Close() error { return nil }

// Layer wraps a sink with additional behavior. Layers compose outermost
// first and preserve envelope order.
type Layer[T any] func(next Sink[T]) Sink[T]

// Stack applies layers to a terminal sink, first layer outermost.
func Stack[T any](terminal Sink[T], layers ...Layer[T]) Sink[T] {
	sink := terminal
	for i := len(layers) - 1; i >= 0; i-- {
		sink = layers[i](sink)
	}
	return sink
}

type layeredSink[T any] struct {
	send  func(ctx context.Context, env Envelope[T]) error
	inner Sink[T]
}

func (l *layeredSink[T]) Send(ctx context.Context, env Envelope[T]) error {
	return l.send(ctx, env)
}

func (l *layeredSink[T]) Close() error { return l.inner.Close() }

// ObserveLayer stamps envelopes missing an observation time using the
// session clock. Envelopes already stamped pass through untouched so a
// replayed stream keeps its recorded offsets.
func ObserveLayer[T any](clock *Clock) Layer[T] {
	return func(next Sink[T]) Sink[T] {
		return &layeredSink[T]{
			inner: next,
			send: func(ctx context.Context, env Envelope[T]) error {
				if env.Observed.Wall.IsZero() {
					env.Observed = clock.Now()
				}
				return next.Send(ctx, env)
			},
		}
	}
}

// CountLayer counts envelopes and payload bytes passing through. Counters
// use relaxed atomics; exactness across goroutines is not a contract.
func CountLayer[T any](messages, bytes *atomic.Int64) Layer[T] {
	return func(next Sink[T]) Sink[T] {
		return &layeredSink[T]{
			inner: next,
			send: func(ctx context.Context, env Envelope[T]) error {
				if err := next.Send(ctx, env); err != nil {
					return err
				}
				messages.Add(1)
				if env.RawFrame != nil {
					bytes.Add(int64(len(env.RawFrame)))
				}
				return nil
			},
		}
	}
}

// LogLayer logs each envelope at debug level with its observation offset.
func LogLayer[T any](logger *slog.Logger) Layer[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Sink[T]) Sink[T] {
		return &layeredSink[T]{
			inner: next,
			send: func(ctx context.Context, env Envelope[T]) error {
				logger.DebugContext(ctx, "envelope forwarded",
					"monotonic_offset", env.Observed.Monotonic,
					"raw_bytes", len(env.RawFrame))
				return next.Send(ctx, env)
			},
		}
	}
}
