package interfaces

import (
	"context"

	"github.com/rs/zerolog"

	"energy-allocation/internal/allocation/application"
	allocation "energy-allocation/internal/allocation/domain"
	"energy-allocation/internal/eventing"
)

// EntryEventPayload is the body of a ledger entry event.
type EntryEventPayload struct {
	TransactionID string           `json:"transaction_id"`
	Entry         allocation.Entry `json:"entry"`
}

// QueuePublisher hands entry events to the asynchronous event publisher.
type QueuePublisher struct {
	publisher *eventing.Publisher
}

// NewQueuePublisher constructs a queue publisher.
func NewQueuePublisher(publisher *eventing.Publisher) *QueuePublisher {
	return &QueuePublisher{publisher: publisher}
}

// PublishEntryEvent enqueues the event. Correlation falls back to the transaction id.
func (p *QueuePublisher) PublishEntryEvent(ctx context.Context, event application.EntryEvent) error {
	if p == nil || p.publisher == nil {
		return nil
	}
	env, err := BuildEntryEnvelope(ctx, event)
	if err != nil {
		return err
	}
	return p.publisher.Enqueue(env)
}

// BuildEntryEnvelope wraps an entry event in an envelope.
func BuildEntryEnvelope(ctx context.Context, event application.EntryEvent) (eventing.Envelope, error) {
	corr := eventing.CorrelationIDFromContext(ctx)
	if corr == "" {
		corr = event.TransactionID
	}
	return eventing.BuildEnvelope(event.Type, EntryEventPayload{
		TransactionID: event.TransactionID,
		Entry:         event.Entry,
	}, eventing.Meta{
		OccurredAt:    event.OccurredAt,
		CorrelationID: corr,
		ProducerID:    event.Entry.ProducerID,
		Month:         event.Entry.Month.String(),
	})
}

// LoggingPublisher logs entry events.
type LoggingPublisher struct {
	log zerolog.Logger
}

// NewLoggingPublisher constructs a logging publisher.
func NewLoggingPublisher(log zerolog.Logger) *LoggingPublisher {
	return &LoggingPublisher{log: log.With().Str("component", "entry_events").Logger()}
}

// PublishEntryEvent logs the event.
func (p *LoggingPublisher) PublishEntryEvent(_ context.Context, event application.EntryEvent) error {
	p.log.Info().
		Str("event_type", event.Type).
		Str("txn", event.TransactionID).
		Str("entry", event.Entry.ID).
		Int64("version", event.Entry.Version).
		Int64("total", event.Entry.Buckets.Total()).
		Msg("entry event")
	return nil
}
