package eventing

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"energy-allocation/internal/observability/metrics"
)

const (
	defaultBufferSize = 256
	defaultWorkers    = 2
)

var (
	// ErrQueueFull is returned when the publisher buffer has no room. The event is dropped.
	ErrQueueFull = errors.New("eventing: queue full")
	// ErrPublisherClosed is returned after Close.
	ErrPublisherClosed = errors.New("eventing: publisher closed")
)

// Publisher queues envelopes and hands them to the dispatcher from background workers.
type Publisher struct {
	dispatcher *Dispatcher
	queue      chan Envelope
	workers    int
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithBufferSize sets the queue capacity.
func WithBufferSize(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan Envelope, n)
		}
	}
}

// WithWorkers sets the number of delivery goroutines.
func WithWorkers(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithPublisherLogger sets the publisher logger.
func WithPublisherLogger(log zerolog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.log = log.With().Str("component", "event_publisher").Logger()
	}
}

// NewPublisher constructs a publisher. Call Start before publishing.
func NewPublisher(dispatcher *Dispatcher, opts ...PublisherOption) (*Publisher, error) {
	if dispatcher == nil {
		return nil, errors.New("event publisher: nil dispatcher")
	}
	p := &Publisher{
		dispatcher: dispatcher,
		queue:      make(chan Envelope, defaultBufferSize),
		workers:    defaultWorkers,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

// Start launches the delivery workers.
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for env := range p.queue {
		metrics.SetEventsQueued(len(p.queue))
		_ = p.dispatcher.Dispatch(p.ctx, env)
	}
}

// Publish wraps payload in an envelope correlated with ctx and queues it.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload any) error {
	env, err := BuildEnvelope(eventType, payload, Meta{CorrelationID: CorrelationIDFromContext(ctx)})
	if err != nil {
		return err
	}
	return p.Enqueue(env)
}

// Enqueue queues env without blocking.
func (p *Publisher) Enqueue(env Envelope) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- env:
		metrics.SetEventsQueued(len(p.queue))
		return nil
	default:
		metrics.IncEvent(env.EventType, metrics.ResultDropped)
		p.log.Warn().Str("event_id", env.EventID).Str("event_type", env.EventType).Msg("event queue full, dropping event")
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// When ctx ends first, in-flight deliveries are cancelled.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if !started {
		p.cancel()
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
