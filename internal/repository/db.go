// Package repository persists settled match results in PostgreSQL.
package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spellbound/duel-server/internal/config"
	"go.uber.org/zap"
)

// DB wraps the connection pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewDB connects to the database described by cfg and verifies the
// connection.
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{pool: pool, logger: logger}, nil
}

// Close releases every connection.
func (db *DB) Close() {
	db.pool.Close()
}

// Stats reports pool usage.
func (db *DB) Stats() *pgxpool.Stat {
	return db.pool.Stat()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS match_results (
	room_id     TEXT        NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	players     TEXT[]      NOT NULL,
	winner      TEXT        NOT NULL DEFAULT '',
	draw        BOOLEAN     NOT NULL DEFAULT FALSE,
	turns       INTEGER     NOT NULL DEFAULT 0,
	PRIMARY KEY (room_id, started_at)
);
CREATE INDEX IF NOT EXISTS match_results_players_idx ON match_results USING GIN (players);
`

// Migrate creates the results schema if it is missing.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate results schema: %w", err)
	}
	db.logger.Info("results schema ready")
	return nil
}
