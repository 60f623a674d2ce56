package kv

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

const blobSchemaSQL = `
CREATE TABLE IF NOT EXISTS kv_blobs (
	name TEXT PRIMARY KEY,
	value JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if _, err := db.ExecContext(ctx, blobSchemaSQL); err != nil {
		return nil, fmt.Errorf("ensure kv_blobs schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Get(ctx context.Context, name string, into any) (bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_blobs WHERE name = $1`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return true, nil
}

func (s *PostgresStore) Set(ctx context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO kv_blobs (name, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		name,
		raw,
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", name, err)
	}
	return nil
}

// Update locks the row with SELECT ... FOR UPDATE for the duration of fn.
// A placeholder row is inserted first so an absent blob can be locked too.
func (s *PostgresStore) Update(ctx context.Context, name string, fn UpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv_blobs (name, value) VALUES ($1, 'null'::jsonb) ON CONFLICT (name) DO NOTHING`,
		name,
	); err != nil {
		return fmt.Errorf("reserve %s: %w", name, err)
	}

	var current []byte
	if err := tx.QueryRowContext(ctx, `SELECT value FROM kv_blobs WHERE name = $1 FOR UPDATE`, name).Scan(&current); err != nil {
		return fmt.Errorf("lock %s: %w", name, err)
	}
	if string(current) == "null" {
		current = nil
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE kv_blobs SET value = $2, updated_at = now() WHERE name = $1`,
		name,
		next,
	); err != nil {
		return fmt.Errorf("update %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update %s: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_blobs WHERE name = $1`, name); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}
