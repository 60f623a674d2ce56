package kv

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Open returns the blob store for the named backend. The redis client and
// database handle are only required by their own backends.
func Open(ctx context.Context, backend string, client redis.UniversalClient, db *sql.DB, keyPrefix string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendRedis:
		return NewRedisStore(client, keyPrefix)
	case BackendPostgres:
		if db == nil {
			return nil, fmt.Errorf("kv backend postgres requires POSTGRES_DSN")
		}
		return NewPostgresStore(ctx, db)
	default:
		return nil, fmt.Errorf("unsupported kv backend: %s", backend)
	}
}
