// Package db archives finished sessions in PostgreSQL.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DB struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

// RunMigrations creates the archive tables.
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sessions_archive (
			id BIGSERIAL PRIMARY KEY,
			channel_id TEXT NOT NULL,
			channel_name TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			winner TEXT NOT NULL,
			offer_amount NUMERIC(12,2) NOT NULL DEFAULT 0,
			our_amount NUMERIC(12,2) NOT NULL DEFAULT 0,
			payment_tx TEXT NOT NULL DEFAULT '',
			session JSONB NOT NULL,
			archived_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_archive_channel_id ON sessions_archive(channel_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_archive_archived_at ON sessions_archive(archived_at DESC);
	`)
	return err
}
