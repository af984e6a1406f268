package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	allocation "energy-allocation/internal/allocation/domain"
)

const defaultPrefix = "ledger"

// The item hash keeps the version beside the encoded record so scripts can
// check conditions without decoding.
var putScript = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if ARGV[3] == '1' and current then
	return 0
end
if ARGV[4] ~= '0' and current ~= ARGV[4] then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
redis.call('ZADD', KEYS[2], 0, ARGV[5])
return 1
`)

var deleteScript = goredis.NewScript(`
local data = redis.call('HGET', KEYS[1], 'data')
if not data then
	return false
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return data
`)

type record struct {
	Version       int64     `msgpack:"v"`
	TransactionID string    `msgpack:"t"`
	Body          []byte    `msgpack:"b"`
	UpdatedAt     time.Time `msgpack:"u"`
}

// Store keeps ledger items in Redis hashes with a sorted-set index per partition.
type Store struct {
	rdb    goredis.UniversalClient
	prefix string
}

// NewStore constructs a store. An empty prefix uses "ledger".
func NewStore(rdb goredis.UniversalClient, prefix string) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redis ledger store: nil client")
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}, nil
}

func (s *Store) itemKey(key allocation.Key) string {
	return s.prefix + ":" + key.Partition + ":" + key.Sort
}

func (s *Store) indexKey(partition string) string {
	return s.prefix + ":idx:" + partition
}

// Get loads the item at key, nil when absent.
func (s *Store) Get(ctx context.Context, key allocation.Key) (*allocation.Item, error) {
	data, err := s.rdb.HGet(ctx, s.itemKey(key), "data").Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis ledger get %s: %w", key, err)
	}
	return decode(key, data)
}

// Put stores item when opts hold.
func (s *Store) Put(ctx context.Context, item allocation.Item, opts allocation.PutOptions) error {
	data, err := msgpack.Marshal(record{
		Version:       item.Version,
		TransactionID: item.TransactionID,
		Body:          item.Body,
		UpdatedAt:     item.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("redis ledger encode %s: %w", item.Key, err)
	}
	ifAbsent := "0"
	if opts.IfAbsent {
		ifAbsent = "1"
	}
	ok, err := putScript.Run(ctx, s.rdb,
		[]string{s.itemKey(item.Key), s.indexKey(item.Key.Partition)},
		item.Version, data, ifAbsent, opts.IfVersion, item.Key.Sort,
	).Int()
	if err != nil {
		return fmt.Errorf("redis ledger put %s: %w", item.Key, err)
	}
	if ok == 0 {
		return allocation.ErrConditionFailed
	}
	return nil
}

// QueryByPrefix returns the items of a partition whose sort key starts with
// prefix, ordered by sort key.
func (s *Store) QueryByPrefix(ctx context.Context, partition, prefix string) ([]allocation.Item, error) {
	lo, hi := "-", "+"
	if prefix != "" {
		lo, hi = "["+prefix, "["+prefix+"\xff"
	}
	sortKeys, err := s.rdb.ZRangeByLex(ctx, s.indexKey(partition), &goredis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ledger query %s: %w", partition, err)
	}
	if len(sortKeys) == 0 {
		return nil, nil
	}
	cmds := make([]*goredis.StringCmd, len(sortKeys))
	_, err = s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, sk := range sortKeys {
			cmds[i] = pipe.HGet(ctx, s.itemKey(allocation.Key{Partition: partition, Sort: sk}), "data")
		}
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis ledger query %s: %w", partition, err)
	}
	out := make([]allocation.Item, 0, len(sortKeys))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis ledger query %s: %w", partition, err)
		}
		item, err := decode(allocation.Key{Partition: partition, Sort: sortKeys[i]}, data)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, nil
}

// Delete removes key and returns the removed item, nil when absent.
func (s *Store) Delete(ctx context.Context, key allocation.Key) (*allocation.Item, error) {
	data, err := deleteScript.Run(ctx, s.rdb,
		[]string{s.itemKey(key), s.indexKey(key.Partition)},
		key.Sort,
	).Text()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis ledger delete %s: %w", key, err)
	}
	return decode(key, []byte(data))
}

func decode(key allocation.Key, data []byte) (*allocation.Item, error) {
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("redis ledger decode %s: %w", key, err)
	}
	return &allocation.Item{
		Key:           key,
		Version:       rec.Version,
		TransactionID: rec.TransactionID,
		Body:          rec.Body,
		UpdatedAt:     rec.UpdatedAt,
	}, nil
}
