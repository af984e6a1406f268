package allocation

import (
	"context"
	"time"
)

// Item is a versioned value in the ledger store.
type Item struct {
	Key           Key
	Version       int64
	TransactionID string
	Body          []byte
	UpdatedAt     time.Time
}

// PutOptions conditions a put. IfVersion of zero means no version condition.
type PutOptions struct {
	IfAbsent  bool
	IfVersion int64
}

// Store is the ledger key-value store. Put returns ErrConditionFailed when
// a condition does not hold; Get and Delete return a nil item when absent.
type Store interface {
	Get(ctx context.Context, key Key) (*Item, error)
	Put(ctx context.Context, item Item, opts PutOptions) error
	QueryByPrefix(ctx context.Context, partition, prefix string) ([]Item, error)
	Delete(ctx context.Context, key Key) (*Item, error)
}
