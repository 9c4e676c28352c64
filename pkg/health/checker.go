package health

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/richxcame/ride-matching/pkg/common"
)

// Pinger is satisfied by *pgxpool.Pool and test doubles
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker returns a health check function for PostgreSQL
func DatabaseChecker(db Pinger) common.CheckFunc {
	return func(ctx context.Context) error {
		if db == nil {
			return errors.New("database connection is nil")
		}
		return db.Ping(ctx)
	}
}

// PoolChecker returns a health check function for a pgx pool
func PoolChecker(pool *pgxpool.Pool) common.CheckFunc {
	if pool == nil {
		return DatabaseChecker(nil)
	}
	return DatabaseChecker(pool)
}

// RedisChecker returns a health check function for Redis
func RedisChecker(client *redis.Client) common.CheckFunc {
	return func(ctx context.Context) error {
		if client == nil {
			return errors.New("redis client is nil")
		}
		return client.Ping(ctx).Err()
	}
}
