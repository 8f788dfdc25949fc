package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/roomrelay/internal/config"
)

// Schema creates the room activity table. It is a hypertable when the
// timescaledb extension is installed and a plain table otherwise.
const Schema = `
CREATE TABLE IF NOT EXISTS room_activity (
	bucket_ts   BIGINT NOT NULL,
	instance_id TEXT   NOT NULL,
	room        TEXT   NOT NULL,
	subscribers INTEGER NOT NULL,
	messages    BIGINT NOT NULL,
	lagged      BIGINT NOT NULL,
	PRIMARY KEY (bucket_ts, instance_id, room)
);

DO $$
BEGIN
	IF EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb') THEN
		PERFORM create_hypertable('room_activity', 'bucket_ts',
			chunk_time_interval => 86400000000, if_not_exists => TRUE);
	END IF;
END
$$;
`

// Connect creates the Timescale connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig, appName string) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg, appName)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// EnsureSchema creates the room_activity table if it is missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create room_activity: %w", err)
	}
	return nil
}
