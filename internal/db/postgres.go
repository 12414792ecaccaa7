package db

import (
	"context"
	"fmt"
	"time"

	"backend-pawwalk/internal/config"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	newPoolFn  = pgxpool.New
	pingPoolFn = func(ctx context.Context, pool *pgxpool.Pool) error { return pool.Ping(ctx) }
)

func ConnectPostgres(cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := newPoolFn(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, err
	}
	if err := pingPoolFn(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// schema holds the records table shared by every synced resource.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS records (
		resource   TEXT        NOT NULL,
		id         TEXT        NOT NULL,
		payload    JSONB       NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (resource, id)
	)`,
	`CREATE INDEX IF NOT EXISTS records_resource_updated_idx ON records (resource, updated_at DESC)`,
}

// Migrate creates the tables used by the records API. It is safe to run on
// every start.
func Migrate(ctx context.Context, q Querier) error {
	for i, stmt := range schema {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
