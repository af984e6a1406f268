package lock

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	allocation "energy-allocation/internal/allocation/domain"
	"energy-allocation/internal/observability/metrics"
)

// RedisLocker leases resources across instances through redislock.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewRedisLocker constructs a locker on rdb. A non-positive ttl uses DefaultTTL.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) (*RedisLocker, error) {
	if rdb == nil {
		return nil, errors.New("redis locker: nil client")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{client: redislock.New(rdb), ttl: ttl}, nil
}

// Acquire obtains the lease without retrying.
func (l *RedisLocker) Acquire(ctx context.Context, resource string) (allocation.Lease, error) {
	obtained, err := l.client.Obtain(ctx, "lock:"+resource, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		metrics.IncLockContention("redis")
		return nil, &allocation.LockError{Resource: resource, Err: err}
	}
	if err != nil {
		return nil, err
	}
	return &redisLease{lock: obtained, resource: resource}, nil
}

type redisLease struct {
	lock     *redislock.Lock
	resource string
}

func (l *redisLease) Resource() string { return l.resource }

// Release drops the lease. A lease that already expired is not an error.
func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}
