package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	allocation "energy-allocation/internal/allocation/domain"
)

// Store is an in-memory ledger store.
type Store struct {
	mu   sync.RWMutex
	data map[allocation.Key]allocation.Item
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{data: make(map[allocation.Key]allocation.Item)}
}

// Get returns a copy of the item at key, nil when absent.
func (s *Store) Get(ctx context.Context, key allocation.Key) (*allocation.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	item, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	cp := clone(item)
	return &cp, nil
}

// Put stores item when opts hold.
func (s *Store) Put(ctx context.Context, item allocation.Item, opts allocation.PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.data[item.Key]
	if opts.IfAbsent && exists {
		return allocation.ErrConditionFailed
	}
	if opts.IfVersion != 0 && (!exists || current.Version != opts.IfVersion) {
		return allocation.ErrConditionFailed
	}
	s.data[item.Key] = clone(item)
	return nil
}

// QueryByPrefix returns the items of a partition whose sort key starts with
// prefix, ordered by sort key.
func (s *Store) QueryByPrefix(ctx context.Context, partition, prefix string) ([]allocation.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []allocation.Item
	for key, item := range s.data {
		if key.Partition == partition && strings.HasPrefix(key.Sort, prefix) {
			out = append(out, clone(item))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Sort < out[j].Key.Sort })
	return out, nil
}

// Delete removes key and returns the removed item, nil when absent.
func (s *Store) Delete(ctx context.Context, key allocation.Key) (*allocation.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	delete(s.data, key)
	return &item, nil
}

// Len returns the number of stored items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func clone(item allocation.Item) allocation.Item {
	item.Body = append([]byte(nil), item.Body...)
	return item
}
