package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	allocation "energy-allocation/internal/allocation/domain"
)

type journalEntry struct {
	key   allocation.Key
	prior *allocation.Item
}

// Transaction journals the ledger writes of one coordinator call so they can
// be compensated. Only the first write of a key is journaled; its prior item
// is the state to restore.
type Transaction struct {
	ID string

	store allocation.Store
	now   func() time.Time

	mu      sync.Mutex
	journal []journalEntry
	touched map[allocation.Key]struct{}
}

func newTransaction(id string, store allocation.Store, now func() time.Time) *Transaction {
	return &Transaction{
		ID:      id,
		store:   store,
		now:     now,
		touched: make(map[allocation.Key]struct{}),
	}
}

// Put writes body under key at version, conditioned by opts. prior is the
// item read before the write, nil when the key was absent.
func (t *Transaction) Put(ctx context.Context, key allocation.Key, version int64, body []byte, opts allocation.PutOptions, prior *allocation.Item) (allocation.Item, error) {
	item := allocation.Item{
		Key:           key,
		Version:       version,
		TransactionID: t.ID,
		Body:          body,
		UpdatedAt:     t.now().UTC(),
	}
	if err := t.store.Put(ctx, item, opts); err != nil {
		return allocation.Item{}, err
	}
	t.record(key, prior)
	return item, nil
}

// Delete removes key. prior is the item read before the delete.
func (t *Transaction) Delete(ctx context.Context, key allocation.Key, prior *allocation.Item) error {
	if _, err := t.store.Delete(ctx, key); err != nil {
		return err
	}
	t.record(key, prior)
	return nil
}

// Writes returns the number of journaled keys.
func (t *Transaction) Writes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.journal)
}

func (t *Transaction) record(key allocation.Key, prior *allocation.Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.touched[key]; ok {
		return
	}
	t.touched[key] = struct{}{}
	var snapshot *allocation.Item
	if prior != nil {
		cp := *prior
		cp.Body = append([]byte(nil), prior.Body...)
		snapshot = &cp
	}
	t.journal = append(t.journal, journalEntry{key: key, prior: snapshot})
}

// Rollback undoes journaled writes in reverse order. Items written by this
// transaction are deleted or restored to their prior snapshot; items changed
// by someone else since are left alone and reported. Every entry is attempted.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	journal := append([]journalEntry(nil), t.journal...)
	t.mu.Unlock()

	var errs []error
	for i := len(journal) - 1; i >= 0; i-- {
		if err := t.undo(ctx, journal[i]); err != nil {
			errs = append(errs, fmt.Errorf("rollback %s: %w", journal[i].key, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Transaction) undo(ctx context.Context, j journalEntry) error {
	current, err := t.store.Get(ctx, j.key)
	if err != nil {
		return err
	}
	if current != nil && current.TransactionID != t.ID {
		return fmt.Errorf("%w: written by transaction %s", allocation.ErrConditionFailed, current.TransactionID)
	}
	switch {
	case j.prior == nil && current == nil:
		return nil
	case j.prior == nil:
		_, err = t.store.Delete(ctx, j.key)
		return err
	case current == nil:
		return t.store.Put(ctx, *j.prior, allocation.PutOptions{IfAbsent: true})
	default:
		return t.store.Put(ctx, *j.prior, allocation.PutOptions{IfVersion: current.Version})
	}
}
