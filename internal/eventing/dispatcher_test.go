package eventing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedFailure struct {
	env      Envelope
	attempts int
	err      error
}

type memoryDeadLetters struct {
	mu       sync.Mutex
	failures []recordedFailure
}

func (m *memoryDeadLetters) RecordFailure(_ context.Context, env Envelope, attempts int, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, recordedFailure{env: env, attempts: attempts, err: err})
	return nil
}

type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakySink) Deliver(context.Context, Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("sink unavailable")
	}
	return nil
}

func newTestDispatcher(t *testing.T, sink Sink, opts ...DispatcherOption) (*Dispatcher, *[]time.Duration) {
	t.Helper()
	d, err := NewDispatcher(sink, opts...)
	require.NoError(t, err)
	var delays []time.Duration
	d.sleep = func(_ context.Context, delay time.Duration) error {
		delays = append(delays, delay)
		return nil
	}
	return d, &delays
}

func mustEnvelope(t *testing.T, eventType string) Envelope {
	t.Helper()
	env, err := BuildEnvelope(eventType, map[string]string{"id": "x"}, Meta{EventID: "evt-1"})
	require.NoError(t, err)
	return env
}

func TestNewDispatcherRequiresSink(t *testing.T) {
	_, err := NewDispatcher(nil)
	assert.EqualError(t, err, "event dispatcher: nil sink")
}

func TestDispatchRetriesCriticalEvents(t *testing.T) {
	sink := &flakySink{failures: 2}
	d, delays := newTestDispatcher(t, sink, WithRetry(3, 100*time.Millisecond))

	require.NoError(t, d.Dispatch(context.Background(), mustEnvelope(t, "allocation.created")))
	assert.Equal(t, 3, sink.calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)
}

func TestDispatchDeadLettersAfterRetries(t *testing.T) {
	sink := &flakySink{failures: 10}
	dlq := &memoryDeadLetters{}
	d, delays := newTestDispatcher(t, sink, WithRetry(3, 10*time.Millisecond), WithDeadLetter(dlq))

	err := d.Dispatch(context.Background(), mustEnvelope(t, "banking.updated"))
	require.EqualError(t, err, "sink unavailable")
	assert.Equal(t, 4, sink.calls)
	assert.Len(t, *delays, 3)

	require.Len(t, dlq.failures, 1)
	assert.Equal(t, "evt-1", dlq.failures[0].env.EventID)
	assert.Equal(t, 4, dlq.failures[0].attempts)
}

func TestDispatchDoesNotRetryNonCriticalEvents(t *testing.T) {
	sink := &flakySink{failures: 1}
	dlq := &memoryDeadLetters{}
	d, delays := newTestDispatcher(t, sink, WithDeadLetter(dlq))

	assert.False(t, d.IsCritical("month.previewed"))
	require.Error(t, d.Dispatch(context.Background(), mustEnvelope(t, "month.previewed")))
	assert.Equal(t, 1, sink.calls)
	assert.Empty(t, *delays)
	require.Len(t, dlq.failures, 1)
	assert.Equal(t, 1, dlq.failures[0].attempts)
}

func TestDispatchStopsWhenContextEnds(t *testing.T) {
	sink := &flakySink{failures: 10}
	d, err := NewDispatcher(sink, WithRetry(5, time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = d.Dispatch(ctx, mustEnvelope(t, "lapse.created"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sink.calls)
}

func TestWithCriticalTypesReplacesDefaults(t *testing.T) {
	d, _ := newTestDispatcher(t, &flakySink{}, WithCriticalTypes("custom.event"))
	assert.True(t, d.IsCritical("custom.event"))
	assert.False(t, d.IsCritical("allocation.created"))
}

func TestBackoff(t *testing.T) {
	base := 200 * time.Millisecond
	limit := 5 * time.Second
	assert.Equal(t, 200*time.Millisecond, Backoff(base, limit, 0))
	assert.Equal(t, 400*time.Millisecond, Backoff(base, limit, 1))
	assert.Equal(t, 1600*time.Millisecond, Backoff(base, limit, 3))
	assert.Equal(t, limit, Backoff(base, limit, 5))
	assert.Equal(t, limit, Backoff(base, limit, 64))
	assert.Equal(t, base, Backoff(base, limit, -2))
}
