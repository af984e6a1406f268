package application

import (
	"context"
	"time"

	allocation "energy-allocation/internal/allocation/domain"
)

// Entry lifecycle actions.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// EventType builds the event type of an entry lifecycle change, e.g. "banking.created".
func EventType(kind allocation.EntryKind, action string) string {
	return string(kind) + "." + action
}

// EntryEvent is emitted after a ledger write commits.
type EntryEvent struct {
	Type          string
	TransactionID string
	Entry         allocation.Entry
	OccurredAt    time.Time
}

// EntryPublisher delivers entry events. Delivery is best-effort; a failure
// never undoes the committed write.
type EntryPublisher interface {
	PublishEntryEvent(ctx context.Context, event EntryEvent) error
}

type nopPublisher struct{}

func (nopPublisher) PublishEntryEvent(context.Context, EntryEvent) error { return nil }

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
