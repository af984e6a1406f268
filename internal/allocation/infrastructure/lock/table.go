package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	allocation "energy-allocation/internal/allocation/domain"
	"energy-allocation/internal/observability/metrics"
)

// DefaultTTL bounds how long a lease survives a caller that never releases it.
const DefaultTTL = 30 * time.Second

type holder struct {
	token   string
	expires time.Time
}

// Table is an in-process lease table keyed by resource.
type Table struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	held map[string]holder
}

// Option configures a Table.
type Option func(*Table)

// WithTTL sets the lease duration.
func WithTTL(ttl time.Duration) Option {
	return func(t *Table) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTable constructs an empty lease table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		ttl:  DefaultTTL,
		now:  time.Now,
		held: make(map[string]holder),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Acquire leases resource. A lease past its expiry is taken over.
func (t *Table) Acquire(ctx context.Context, resource string) (allocation.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if h, ok := t.held[resource]; ok && now.Before(h.expires) {
		metrics.IncLockContention("memory")
		return nil, &allocation.LockError{Resource: resource}
	}
	token := uuid.NewString()
	t.held[resource] = holder{token: token, expires: now.Add(t.ttl)}
	return &tableLease{table: t, resource: resource, token: token}, nil
}

// Held reports whether resource is currently leased.
func (t *Table) Held(resource string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.held[resource]
	return ok && t.now().Before(h.expires)
}

func (t *Table) release(resource, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.held[resource]; ok && h.token == token {
		delete(t.held, resource)
	}
}

type tableLease struct {
	table    *Table
	resource string
	token    string
}

func (l *tableLease) Resource() string { return l.resource }

// Release drops the lease unless it expired and was taken over.
func (l *tableLease) Release(context.Context) error {
	l.table.release(l.resource, l.token)
	return nil
}
