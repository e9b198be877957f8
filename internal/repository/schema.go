package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// postgresMigrations are applied in order; each is idempotent.
var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT PRIMARY KEY,
		display_name VARCHAR(255) NOT NULL DEFAULT '',
		username VARCHAR(255) NOT NULL DEFAULT '',
		state VARCHAR(32) NOT NULL DEFAULT 'none',
		last_wallet VARCHAR(64) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS settlement_transactions (
		id BIGSERIAL PRIMARY KEY,
		amount NUMERIC NOT NULL,
		hash VARCHAR(128) NOT NULL UNIQUE,
		from_wallet VARCHAR(64) NOT NULL,
		to_wallet VARCHAR(64) NOT NULL,
		is_expected_amount BOOLEAN NOT NULL,
		matched BOOLEAN NOT NULL DEFAULT FALSE,
		observed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS wagers (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		side CHAR(1) NOT NULL CHECK (side IN ('A', 'B')),
		confirmation VARCHAR(16) NOT NULL DEFAULT 'uncommitted',
		wallet VARCHAR(64) NOT NULL DEFAULT '',
		settlement_transaction_id BIGINT REFERENCES settlement_transactions(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_wagers_one_uncommitted ON wagers(user_id) WHERE confirmation = 'uncommitted';
	CREATE INDEX IF NOT EXISTS idx_wagers_confirmation ON wagers(confirmation, id)`,
	`CREATE TABLE IF NOT EXISTS rounds (
		singleton BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
		round_id UUID NOT NULL,
		control_value BIGINT NOT NULL,
		deadline TIMESTAMPTZ NOT NULL,
		fee NUMERIC NOT NULL,
		wager_amount NUMERIC NOT NULL,
		rate_a NUMERIC,
		rate_b NUMERIC,
		wallet_a VARCHAR(64) NOT NULL DEFAULT '',
		wallet_b VARCHAR(64) NOT NULL DEFAULT '',
		metric_as_of TIMESTAMPTZ,
		started_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// MigratePostgres applies the schema to a PostgreSQL database.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	log.Info().Msg("Running database migrations...")
	for i, stmt := range postgresMigrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", i+1, err)
		}
		log.Debug().Int("migration", i+1).Msg("Migration applied")
	}
	log.Info().Msg("All migrations completed successfully")
	return nil
}

// Decimals are stored as TEXT and times as RFC3339 TEXT.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id           INTEGER PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	username     TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL DEFAULT 'none',
	last_wallet  TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settlement_transactions (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	amount             TEXT    NOT NULL,
	hash               TEXT    NOT NULL UNIQUE,
	from_wallet        TEXT    NOT NULL,
	to_wallet          TEXT    NOT NULL,
	is_expected_amount INTEGER NOT NULL,
	matched            INTEGER NOT NULL DEFAULT 0,
	observed_at        TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS wagers (
	id                        INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id                   INTEGER NOT NULL REFERENCES users(id),
	side                      TEXT    NOT NULL CHECK (side IN ('A', 'B')),
	confirmation              TEXT    NOT NULL DEFAULT 'uncommitted',
	wallet                    TEXT    NOT NULL DEFAULT '',
	settlement_transaction_id INTEGER REFERENCES settlement_transactions(id),
	created_at                TEXT    NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_wagers_one_uncommitted ON wagers(user_id) WHERE confirmation = 'uncommitted';
CREATE INDEX IF NOT EXISTS idx_wagers_confirmation ON wagers(confirmation, id);

CREATE TABLE IF NOT EXISTS rounds (
	singleton     INTEGER PRIMARY KEY CHECK (singleton = 1),
	round_id      TEXT    NOT NULL,
	control_value INTEGER NOT NULL,
	deadline      TEXT    NOT NULL,
	fee           TEXT    NOT NULL,
	wager_amount  TEXT    NOT NULL,
	rate_a        TEXT,
	rate_b        TEXT,
	wallet_a      TEXT    NOT NULL DEFAULT '',
	wallet_b      TEXT    NOT NULL DEFAULT '',
	metric_as_of  TEXT,
	started_at    TEXT    NOT NULL
);
`

// MigrateSQLite applies the schema to a SQLite database.
func MigrateSQLite(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return nil
}
