package repository

import (
	"context"
	"database/sql"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS payments (
		id VARCHAR(36) PRIMARY KEY,
		cpf VARCHAR(11) NOT NULL,
		description TEXT NOT NULL,
		amount DECIMAL(15,2) NOT NULL CHECK (amount > 0),
		payment_method VARCHAR(20) NOT NULL,
		status VARCHAR(20) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_cpf ON payments(cpf)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_created_at ON payments(created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS payment_history (
		id BIGSERIAL PRIMARY KEY,
		payment_id VARCHAR(36) NOT NULL REFERENCES payments(id),
		event VARCHAR(50) NOT NULL,
		event_data JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_history_payment_id ON payment_history(payment_id)`,

	`CREATE TABLE IF NOT EXISTS settlement_runs (
		payment_id VARCHAR(36) PRIMARY KEY REFERENCES payments(id),
		step VARCHAR(30) NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		next_poll_at TIMESTAMPTZ,
		preference_id VARCHAR(255) NOT NULL DEFAULT '',
		init_point TEXT NOT NULL DEFAULT '',
		sandbox_init_point TEXT NOT NULL DEFAULT '',
		outcome VARCHAR(20) NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_settlement_runs_outcome ON settlement_runs(outcome)`,

	`CREATE TABLE IF NOT EXISTS outbox_events (
		id VARCHAR(36) PRIMARY KEY,
		payment_id VARCHAR(36) NOT NULL,
		event_type VARCHAR(50) NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		published_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_events_unpublished ON outbox_events(created_at) WHERE published_at IS NULL`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		cpf TEXT NOT NULL,
		description TEXT NOT NULL,
		amount TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_cpf ON payments(cpf)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_created_at ON payments(created_at)`,

	`CREATE TABLE IF NOT EXISTS payment_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payment_id TEXT NOT NULL REFERENCES payments(id),
		event TEXT NOT NULL,
		event_data TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_history_payment_id ON payment_history(payment_id)`,

	`CREATE TABLE IF NOT EXISTS settlement_runs (
		payment_id TEXT PRIMARY KEY REFERENCES payments(id),
		step TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		next_poll_at DATETIME,
		preference_id TEXT NOT NULL DEFAULT '',
		init_point TEXT NOT NULL DEFAULT '',
		sandbox_init_point TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_settlement_runs_outcome ON settlement_runs(outcome)`,

	`CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		published_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_events_created_at ON outbox_events(created_at)`,
}

// Migrate creates the ledger schema if it does not exist yet.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	queries := postgresSchema
	if dialect == SQLite {
		queries = sqliteSchema
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	return nil
}
