package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// ExpectedSchemaVersion is the latest schema version the application expects.
const ExpectedSchemaVersion = 2

// migrationLockKey serialises concurrent migrators via an advisory lock.
const migrationLockKey = 7_340_221

// Migration is one forward-only schema step.
type Migration struct {
	Up          func(context.Context, *sql.Tx) error
	Description string
	Version     int
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "cards and transactions",
		Up: execAll(
			`CREATE TABLE IF NOT EXISTS cards (
				id              TEXT PRIMARY KEY,
				cardholder_name TEXT NOT NULL,
				card_last4      TEXT NOT NULL DEFAULT '',
				spending_limit  NUMERIC(12,2) NOT NULL CHECK (spending_limit > 0),
				current_balance NUMERIC(12,2) NOT NULL DEFAULT 0,
				status          TEXT NOT NULL DEFAULT 'active'
				                CHECK (status IN ('active', 'frozen', 'cancelled')),
				created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
				CONSTRAINT cards_balance_within_limit
					CHECK (current_balance >= 0 AND current_balance <= spending_limit)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_cards_status ON cards(status)`,

			`CREATE TABLE IF NOT EXISTS transactions (
				id                 TEXT PRIMARY KEY,
				card_id            TEXT NOT NULL REFERENCES cards(id),
				amount             NUMERIC(12,2) NOT NULL CHECK (amount > 0),
				merchant_name      TEXT NOT NULL,
				category           TEXT NOT NULL DEFAULT '',
				description        TEXT NOT NULL DEFAULT '',
				status             TEXT NOT NULL
				                   CHECK (status IN ('pending', 'approved', 'declined', 'flagged', 'verified')),
				fraud_score        NUMERIC(5,4) NOT NULL DEFAULT 0 CHECK (fraud_score >= 0 AND fraud_score <= 1),
				fraud_reason       TEXT NOT NULL DEFAULT '',
				receipt_verified   BOOLEAN NOT NULL DEFAULT false,
				receipt_confidence NUMERIC(5,4) NOT NULL DEFAULT 0,
				receipt_verified_at TIMESTAMPTZ,
				created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_transactions_card_created ON transactions(card_id, created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status)`,
			`CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at DESC)`,
		),
	},
	{
		Version:     2,
		Description: "receipt references and reconciliation index",
		Up: execAll(
			`ALTER TABLE transactions ADD COLUMN IF NOT EXISTS receipt_ref TEXT NOT NULL DEFAULT ''`,
			`CREATE INDEX IF NOT EXISTS idx_transactions_unverified
				ON transactions(created_at DESC)
				WHERE receipt_verified = false AND status IN ('approved', 'flagged', 'verified')`,
		),
	},
}

func execAll(queries ...string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, q := range queries {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("failed to execute query: %w", err)
			}
		}
		return nil
	}
}

// Migrate brings the schema up to ExpectedSchemaVersion. Each migration runs
// in its own transaction together with its version bump.
func Migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		applied, err := applyMigration(ctx, db, m)
		if err != nil {
			return err
		}
		if applied {
			logger.Info("applied migration",
				zap.Int("version", m.Version),
				zap.String("description", m.Description),
			)
		}
	}

	version, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if version != ExpectedSchemaVersion {
		return fmt.Errorf("schema version %d, expected %d", version, ExpectedSchemaVersion)
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("failed to take migration lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to read schema version: %w", err)
	}
	if exists {
		return false, nil
	}

	if err := m.Up(ctx, tx); err != nil {
		return false, fmt.Errorf("migration %d failed: %w", m.Version, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations(version, description) VALUES ($1, $2)`, m.Version, m.Description,
	); err != nil {
		return false, fmt.Errorf("failed to record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
	}
	return true, nil
}

// SchemaVersion returns the highest applied migration, or 0.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT max(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return int(v.Int64), nil
}
