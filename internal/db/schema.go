package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations are applied in order. Every statement is idempotent so
// Migrate can run on every start.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		from_user_id TEXT NOT NULL,
		to_user_id TEXT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		external_reference TEXT,
		correlation_id TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		claim_token TEXT,
		lease_expires_at TIMESTAMPTZ,
		created_published_at TIMESTAMPTZ,
		processed_published_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS transactions_external_reference_key
		ON transactions (external_reference) WHERE external_reference IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS transactions_from_user_idx ON transactions (from_user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS transactions_to_user_idx ON transactions (to_user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS transactions_open_idx ON transactions (status, updated_at)
		WHERE status IN ('pending', 'processing')`,
	`CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate creates the tables and indexes used by the repositories.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", i+1, err)
		}
	}
	return nil
}
