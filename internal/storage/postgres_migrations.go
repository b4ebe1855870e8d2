// Package storage contains PostgreSQL schema migrations for the gateway service.
// These migrations create and maintain the database schema required for all storage operations.
package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// MigratePostgres applies schema migrations to the PostgreSQL database.
// Uses IF NOT EXISTS clauses to make migrations idempotent.
//
// Tables created:
// - registrations: one row per agent registration, never holding the agent key
// - registration_events: append-only log of state, step and balance changes
// - idempotency_cache: cached responses for idempotent request handling
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS registrations (
            id TEXT PRIMARY KEY,               -- Registration identifier (uuid)
            label TEXT NOT NULL,               -- Requested subname label
            name TEXT NOT NULL,                -- Fully-qualified ENS name
            node TEXT NOT NULL,                -- Hex namehash of name
            owner TEXT NOT NULL,               -- Lowercase owner address
            agent_address TEXT NOT NULL,       -- Derived agent wallet, empty before signing
            description TEXT NOT NULL,
            allowed_callers JSONB NOT NULL,    -- Callers written to allowed_callers
            has_avatar BOOLEAN NOT NULL,
            avatar_url TEXT NOT NULL,
            state TEXT NOT NULL,               -- form, signing, funding, registering, deployed
            progress JSONB NOT NULL,           -- Status of the four registration steps
            balance TEXT NOT NULL,             -- Last observed balance in ether
            attempts INTEGER NOT NULL,
            last_error TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_registrations_owner ON registrations (owner, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS registration_events (
            id BIGSERIAL PRIMARY KEY,          -- Append order
            registration_id TEXT NOT NULL,
            kind TEXT NOT NULL,                -- state, step, balance, failure, attempt
            state TEXT NOT NULL,               -- Workflow state after the event
            detail JSONB NOT NULL,
            correlation_id TEXT NOT NULL,      -- Request that started the registration
            at TIMESTAMPTZ NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_registration_events_registration ON registration_events (registration_id, id)`,
		`CREATE TABLE IF NOT EXISTS idempotency_cache (
            key TEXT PRIMARY KEY,              -- Idempotency key (typically from HTTP header)
            status_code INTEGER NOT NULL,      -- HTTP status code of cached response
            body BYTEA NOT NULL,               -- Response body as binary data
            headers JSONB NOT NULL,            -- Response headers as JSON
            expires_at TIMESTAMPTZ NOT NULL    -- Expiration timestamp with timezone
        )`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_cache_expires_at ON idempotency_cache (expires_at)`,
	}

	// Apply each migration in sequence
	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
