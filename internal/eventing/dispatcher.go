package eventing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"energy-allocation/internal/observability/metrics"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 200 * time.Millisecond
	defaultMaxDelay   = 5 * time.Second
)

// CriticalEventTypes are retried before being dead-lettered.
var CriticalEventTypes = []string{
	"allocation.created", "allocation.updated", "allocation.deleted",
	"banking.created", "banking.updated", "banking.deleted",
	"lapse.created", "lapse.updated", "lapse.deleted",
}

// Dispatcher delivers envelopes to a sink. Critical event types are retried
// with exponential backoff; envelopes that still fail go to the dead-letter store.
type Dispatcher struct {
	sink       Sink
	dlq        DeadLetterStore
	critical   map[string]bool
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	log        zerolog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRetry sets the retry budget of critical events and the first backoff delay.
func WithRetry(maxRetries int, baseDelay time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if maxRetries >= 0 {
			d.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			d.baseDelay = baseDelay
		}
	}
}

// WithDeadLetter records envelopes that exhausted their attempts.
func WithDeadLetter(dlq DeadLetterStore) DispatcherOption {
	return func(d *Dispatcher) {
		d.dlq = dlq
	}
}

// WithCriticalTypes replaces the set of retried event types.
func WithCriticalTypes(types ...string) DispatcherOption {
	return func(d *Dispatcher) {
		d.critical = make(map[string]bool, len(types))
		for _, t := range types {
			d.critical[t] = true
		}
	}
}

// WithDispatchLogger sets the dispatcher logger.
func WithDispatchLogger(log zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.log = log.With().Str("component", "event_dispatcher").Logger()
	}
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(sink Sink, opts ...DispatcherOption) (*Dispatcher, error) {
	if sink == nil {
		return nil, errors.New("event dispatcher: nil sink")
	}
	d := &Dispatcher{
		sink:       sink,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
		sleep:      sleepContext,
		log:        zerolog.Nop(),
	}
	WithCriticalTypes(CriticalEventTypes...)(d)
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// IsCritical reports whether eventType is retried.
func (d *Dispatcher) IsCritical(eventType string) bool {
	return d.critical[eventType]
}

// Dispatch delivers env and returns the last delivery error.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) error {
	attempts := 1
	if d.critical[env.EventType] {
		attempts += d.maxRetries
	}
	var err error
	tried := 0
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if sleepErr := d.sleep(ctx, Backoff(d.baseDelay, d.maxDelay, attempt-1)); sleepErr != nil {
				err = errors.Join(err, sleepErr)
				break
			}
			metrics.IncEvent(env.EventType, metrics.ResultRetried)
		}
		tried++
		if err = d.sink.Deliver(ctx, env); err == nil {
			metrics.IncEvent(env.EventType, metrics.ResultSuccess)
			return nil
		}
		d.log.Debug().Err(err).Str("event_id", env.EventID).Int("attempt", attempt+1).Msg("delivery failed")
	}

	metrics.IncEvent(env.EventType, metrics.ResultError)
	d.log.Error().Err(err).
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Int("attempts", tried).
		Msg("event not delivered")
	if d.dlq != nil {
		if dlqErr := d.dlq.RecordFailure(context.WithoutCancel(ctx), env, tried, err); dlqErr != nil {
			d.log.Error().Err(dlqErr).Str("event_id", env.EventID).Msg("dead letter write failed")
		}
	}
	return err
}

// Backoff returns base doubled attempt times, capped at limit.
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return limit
	}
	d := base << attempt
	if d <= 0 || d > limit {
		return limit
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
