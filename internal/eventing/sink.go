package eventing

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Sink delivers one envelope. Implementations must be safe for concurrent use.
type Sink interface {
	Deliver(ctx context.Context, env Envelope) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, env Envelope) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, env Envelope) error { return f(ctx, env) }

// MultiSink delivers envelopes to multiple sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink constructs a MultiSink. Nil sinks are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiSink{sinks: out}
}

// Deliver forwards the envelope to every sink and joins their errors.
func (m *MultiSink) Deliver(ctx context.Context, env Envelope) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Deliver(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes envelopes to a logger.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink constructs a log sink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "event_log").Logger()}
}

// Deliver logs the envelope.
func (s *LogSink) Deliver(_ context.Context, env Envelope) error {
	s.log.Info().
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Str("correlation_id", env.CorrelationID).
		Str("producer", env.ProducerID).
		Str("month", env.Month).
		RawJSON("payload", env.Payload).
		Msg("event")
	return nil
}

// DeadLetterStore records envelopes that could not be delivered.
type DeadLetterStore interface {
	RecordFailure(ctx context.Context, env Envelope, attempts int, err error) error
}
