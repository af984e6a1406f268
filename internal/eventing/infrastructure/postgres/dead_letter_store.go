package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"energy-allocation/internal/eventing"
)

const defaultDeadLetterTable = "event_dead_letters"

// DeadLetterStore is a Postgres implementation for undeliverable events.
type DeadLetterStore struct {
	db    *sql.DB
	table string
}

// NewDeadLetterStore constructs a dead-letter store.
func NewDeadLetterStore(db *sql.DB, opts ...DeadLetterOption) *DeadLetterStore {
	store := &DeadLetterStore{db: db, table: defaultDeadLetterTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// DeadLetterOption configures the dead-letter store.
type DeadLetterOption func(*DeadLetterStore)

// WithDeadLetterTable overrides the table name.
func WithDeadLetterTable(table string) DeadLetterOption {
	return func(store *DeadLetterStore) {
		if table != "" {
			store.table = table
		}
	}
}

// EnsureSchema creates the table when missing.
func (s *DeadLetterStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("dead letter store: nil db")
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	event_id   TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	payload    JSONB NOT NULL,
	attempts   INT NOT NULL,
	last_error TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`, s.table))
	return err
}

// RecordFailure stores the envelope. A repeated failure of the same event
// overwrites the error and attempt count.
func (s *DeadLetterStore) RecordFailure(ctx context.Context, env eventing.Envelope, attempts int, cause error) error {
	if s == nil || s.db == nil {
		return errors.New("dead letter store: nil db")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	event_id,
	event_type,
	payload,
	attempts,
	last_error,
	created_at
) VALUES (
	$1, $2, $3, $4, $5, $6
)
ON CONFLICT (event_id)
DO UPDATE SET attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error`, s.table)

	_, err = s.db.ExecContext(ctx, query, env.EventID, env.EventType, payload, attempts, msg, time.Now().UTC())
	return err
}

// List returns dead-lettered envelopes, oldest first.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]eventing.Envelope, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("dead letter store: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT payload
FROM %s
ORDER BY created_at ASC
LIMIT $1`, s.table)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []eventing.Envelope
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var env eventing.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, err
		}
		result = append(result, env)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
