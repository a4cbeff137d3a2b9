// Package migrations applies the database schema at boot. Statements are
// idempotent so repeated application is safe.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS token_accounts (
		user_id    TEXT PRIMARY KEY,
		available  BIGINT NOT NULL DEFAULT 0 CHECK (available >= 0),
		held       BIGINT NOT NULL DEFAULT 0 CHECK (held >= 0),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS token_holds (
		request_id TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL REFERENCES token_accounts(user_id),
		amount     BIGINT NOT NULL CHECK (amount >= 0),
		status     TEXT NOT NULL,
		charged    BIGINT NOT NULL DEFAULT 0,
		refunded   BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		settled_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		entry_type      TEXT NOT NULL,
		amount          BIGINT NOT NULL,
		available_after BIGINT NOT NULL,
		reference_id    TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_user
		ON ledger_entries (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS call_requests (
		id               TEXT PRIMARY KEY,
		fan_id           TEXT NOT NULL,
		creator_id       TEXT NOT NULL,
		stream_id        TEXT NOT NULL,
		price_per_minute BIGINT NOT NULL,
		minimum_minutes  BIGINT NOT NULL,
		estimated_minutes BIGINT NOT NULL,
		status           TEXT NOT NULL,
		held_tokens      BIGINT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_call_requests_pending
		ON call_requests (fan_id, stream_id) WHERE status = 'requested'`,
	`CREATE TABLE IF NOT EXISTS call_sessions (
		id               TEXT PRIMARY KEY,
		request_id       TEXT NOT NULL REFERENCES call_requests(id),
		fan_id           TEXT NOT NULL,
		creator_id       TEXT NOT NULL,
		channel_name     TEXT NOT NULL,
		started_at       TIMESTAMPTZ NOT NULL,
		ended_at         TIMESTAMPTZ,
		duration_minutes BIGINT NOT NULL DEFAULT 0,
		tokens_charged   BIGINT NOT NULL DEFAULT 0,
		end_reason       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS loyalty_badges (
		fan_id               TEXT NOT NULL,
		creator_id           TEXT NOT NULL DEFAULT '',
		total_spend          BIGINT NOT NULL DEFAULT 0,
		support_days         BIGINT NOT NULL DEFAULT 0,
		level                TEXT NOT NULL DEFAULT 'bronze',
		level_rank           INT NOT NULL DEFAULT 0,
		first_interaction_at TIMESTAMPTZ NOT NULL,
		updated_at           TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (fan_id, creator_id)
	)`,
}

// Apply runs every schema statement in order.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
