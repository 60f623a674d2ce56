package store

import (
	"context"
	"database/sql"
	"strings"
)

// Open returns a postgres-backed job store when dsn is set and an
// in-memory one otherwise. The returned db is nil for the memory store.
func Open(ctx context.Context, dsn string) (JobStore, *sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewMemoryJobStore(), nil, nil
	}
	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	jobs, err := NewPostgresJobStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return jobs, db, nil
}
