package interfaces

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energy-allocation/internal/allocation/application"
	allocation "energy-allocation/internal/allocation/domain"
	"energy-allocation/internal/eventing"
)

func sampleEvent() application.EntryEvent {
	return application.EntryEvent{
		Type:          "banking.created",
		TransactionID: "txn-7",
		OccurredAt:    time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC),
		Entry: allocation.Entry{
			ID:         "banking#B#042025",
			Kind:       allocation.KindBanking,
			ProducerID: "B",
			Month:      "042025",
			Buckets:    allocation.BucketsOf(map[allocation.Period]int64{allocation.P1: 40}),
			Version:    1,
		},
	}
}

func TestBuildEntryEnvelope(t *testing.T) {
	env, err := BuildEntryEnvelope(context.Background(), sampleEvent())
	require.NoError(t, err)

	assert.Equal(t, "banking.created", env.EventType)
	assert.Equal(t, "txn-7", env.CorrelationID)
	assert.Equal(t, "B", env.ProducerID)
	assert.Equal(t, "042025", env.Month)
	assert.True(t, env.OccurredAt.Equal(time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)))

	var payload EntryEventPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "txn-7", payload.TransactionID)
	assert.Equal(t, "banking#B#042025", payload.Entry.ID)
	assert.Equal(t, int64(40), payload.Entry.Buckets.Get(allocation.P1))
}

func TestBuildEntryEnvelopePrefersRequestCorrelation(t *testing.T) {
	ctx := eventing.WithCorrelationID(context.Background(), "req-1")
	env, err := BuildEntryEnvelope(ctx, sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, "req-1", env.CorrelationID)
}

type captureSink struct {
	mu   sync.Mutex
	envs []eventing.Envelope
}

func (s *captureSink) Deliver(_ context.Context, env eventing.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return nil
}

func TestQueuePublisherEnqueues(t *testing.T) {
	sink := &captureSink{}
	dispatcher, err := eventing.NewDispatcher(sink)
	require.NoError(t, err)
	publisher, err := eventing.NewPublisher(dispatcher)
	require.NoError(t, err)
	publisher.Start()

	qp := NewQueuePublisher(publisher)
	require.NoError(t, qp.PublishEntryEvent(context.Background(), sampleEvent()))
	require.NoError(t, publisher.Close(context.Background()))

	require.Len(t, sink.envs, 1)
	assert.Equal(t, "banking.created", sink.envs[0].EventType)

	var nilPublisher *QueuePublisher
	assert.NoError(t, nilPublisher.PublishEntryEvent(context.Background(), sampleEvent()))
}

func TestLoggingPublisher(t *testing.T) {
	p := NewLoggingPublisher(zerolog.Nop())
	assert.NoError(t, p.PublishEntryEvent(context.Background(), sampleEvent()))
}
