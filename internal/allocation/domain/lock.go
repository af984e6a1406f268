package allocation

import "context"

// Lease is a time-bounded exclusive claim on a resource.
type Lease interface {
	Resource() string
	Release(ctx context.Context) error
}

// Locker hands out leases. Acquire fails fast with a *LockError when the
// resource is held by a lease that has not expired yet.
type Locker interface {
	Acquire(ctx context.Context, resource string) (Lease, error)
}

// ProducerResource names the lease guarding every ledger write of a producer.
func ProducerResource(producerID string) string {
	return "producer#" + producerID
}
