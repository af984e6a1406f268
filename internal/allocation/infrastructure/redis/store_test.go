package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	allocation "energy-allocation/internal/allocation/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store, err := NewStore(rdb, "")
	require.NoError(t, err)
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	key := allocation.EntryKey(allocation.KindAllocation, "A", "042025", "X")
	updated := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Put(ctx, allocation.Item{
		Key:           key,
		Version:       1,
		TransactionID: "txn-1",
		Body:          []byte(`{"id":"allocation#A#042025#X"}`),
		UpdatedAt:     updated,
	}, allocation.PutOptions{IfAbsent: true}))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, key, got.Key)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "txn-1", got.TransactionID)
	assert.JSONEq(t, `{"id":"allocation#A#042025#X"}`, string(got.Body))
	assert.True(t, updated.Equal(got.UpdatedAt))

	missing, err := store.Get(ctx, allocation.EntryKey(allocation.KindAllocation, "B", "042025", "X"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStoreConditions(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	key := allocation.EntryKey(allocation.KindBanking, "B", "042025", "")

	require.NoError(t, store.Put(ctx, allocation.Item{Key: key, Version: 1}, allocation.PutOptions{IfAbsent: true}))
	assert.ErrorIs(t, store.Put(ctx, allocation.Item{Key: key, Version: 1}, allocation.PutOptions{IfAbsent: true}), allocation.ErrConditionFailed)
	assert.ErrorIs(t, store.Put(ctx, allocation.Item{Key: key, Version: 3}, allocation.PutOptions{IfVersion: 2}), allocation.ErrConditionFailed)
	require.NoError(t, store.Put(ctx, allocation.Item{Key: key, Version: 2}, allocation.PutOptions{IfVersion: 1}))

	other := allocation.EntryKey(allocation.KindBanking, "C", "042025", "")
	assert.ErrorIs(t, store.Put(ctx, allocation.Item{Key: other, Version: 2}, allocation.PutOptions{IfVersion: 1}), allocation.ErrConditionFailed)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestStoreQueryByPrefix(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	partition := allocation.MonthPartition(allocation.KindAllocation, "042025")
	for _, sortKey := range []string{"B#042025#X", "A#042025#Y", "A#042025#X", "AB#042025#X"} {
		require.NoError(t, store.Put(ctx, allocation.Item{Key: allocation.Key{Partition: partition, Sort: sortKey}, Version: 1}, allocation.PutOptions{}))
	}

	items, err := store.QueryByPrefix(ctx, partition, "A#")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "A#042025#X", items[0].Key.Sort)
	assert.Equal(t, "A#042025#Y", items[1].Key.Sort)

	all, err := store.QueryByPrefix(ctx, partition, "")
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "A#042025#X", all[0].Key.Sort)
	assert.Equal(t, "B#042025#X", all[3].Key.Sort)

	none, err := store.QueryByPrefix(ctx, allocation.MonthPartition(allocation.KindLapse, "042025"), "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	key := allocation.BalanceKey("B")
	require.NoError(t, store.Put(ctx, allocation.Item{Key: key, Version: 4, TransactionID: "txn-4"}, allocation.PutOptions{}))

	removed, err := store.Delete(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, int64(4), removed.Version)

	items, err := store.QueryByPrefix(ctx, allocation.BalancePartition(), "")
	require.NoError(t, err)
	assert.Empty(t, items)

	removed, err = store.Delete(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, removed)

	require.NoError(t, store.Put(ctx, allocation.Item{Key: key, Version: 1}, allocation.PutOptions{IfAbsent: true}))
}
