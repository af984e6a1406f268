package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	allocation "energy-allocation/internal/allocation/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_items (
	pk         TEXT        NOT NULL,
	sk         TEXT        NOT NULL,
	version    BIGINT      NOT NULL,
	txn_id     TEXT        NOT NULL DEFAULT '',
	body       BYTEA,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (pk, sk)
)`

// Store persists ledger items in the ledger_items table.
type Store struct {
	db *sql.DB
}

// NewStore constructs a store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the ledger table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("ledger store: nil db")
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Get loads the item at key, nil when absent.
func (s *Store) Get(ctx context.Context, key allocation.Key) (*allocation.Item, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("ledger store: nil db")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT pk, sk, version, txn_id, body, updated_at
FROM ledger_items
WHERE pk = $1 AND sk = $2`, key.Partition, key.Sort)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Put stores item when opts hold.
func (s *Store) Put(ctx context.Context, item allocation.Item, opts allocation.PutOptions) error {
	if s == nil || s.db == nil {
		return errors.New("ledger store: nil db")
	}
	var (
		res sql.Result
		err error
	)
	switch {
	case opts.IfAbsent:
		res, err = s.db.ExecContext(ctx, `
INSERT INTO ledger_items (pk, sk, version, txn_id, body, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (pk, sk) DO NOTHING`,
			item.Key.Partition, item.Key.Sort, item.Version, item.TransactionID, item.Body, item.UpdatedAt)
	case opts.IfVersion != 0:
		res, err = s.db.ExecContext(ctx, `
UPDATE ledger_items
SET version = $3, txn_id = $4, body = $5, updated_at = $6
WHERE pk = $1 AND sk = $2 AND version = $7`,
			item.Key.Partition, item.Key.Sort, item.Version, item.TransactionID, item.Body, item.UpdatedAt, opts.IfVersion)
	default:
		_, err = s.db.ExecContext(ctx, `
INSERT INTO ledger_items (pk, sk, version, txn_id, body, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (pk, sk) DO UPDATE SET
	version = EXCLUDED.version,
	txn_id = EXCLUDED.txn_id,
	body = EXCLUDED.body,
	updated_at = EXCLUDED.updated_at`,
			item.Key.Partition, item.Key.Sort, item.Version, item.TransactionID, item.Body, item.UpdatedAt)
		return err
	}
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return allocation.ErrConditionFailed
	}
	return nil
}

// QueryByPrefix returns the items of a partition whose sort key starts with
// prefix, ordered bytewise by sort key.
func (s *Store) QueryByPrefix(ctx context.Context, partition, prefix string) ([]allocation.Item, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("ledger store: nil db")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT pk, sk, version, txn_id, body, updated_at
FROM ledger_items
WHERE pk = $1 AND sk LIKE $2 ESCAPE '\'
ORDER BY sk COLLATE "C"`, partition, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []allocation.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// Delete removes key and returns the removed item, nil when absent.
func (s *Store) Delete(ctx context.Context, key allocation.Key) (*allocation.Item, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("ledger store: nil db")
	}
	row := s.db.QueryRowContext(ctx, `
DELETE FROM ledger_items
WHERE pk = $1 AND sk = $2
RETURNING pk, sk, version, txn_id, body, updated_at`, key.Partition, key.Sort)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*allocation.Item, error) {
	var item allocation.Item
	if err := row.Scan(
		&item.Key.Partition,
		&item.Key.Sort,
		&item.Version,
		&item.TransactionID,
		&item.Body,
		&item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
