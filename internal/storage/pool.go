// Package storage provides the PostgreSQL storage layer for Maestro.
//
// It manages connection pooling via pgxpool, a forward-only migration
// runner, COPY-based batch ingestion for generation audit rows, and query
// methods for conversations, messages, and usage counters.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgxpool.Pool and carries the logger used by the migration
// runner and batch writers.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a DB backed by a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Ping checks database connectivity, used by the health endpoint.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return fmt.Errorf("storage: ping: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (db *DB) Close() {
	db.pool.Close()
}
