package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaStatements bootstraps the tables the service writes. Kept minimal
// and idempotent; a dedicated migration tool would be overkill for four
// tables.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS quota_usage (
		user_id TEXT NOT NULL,
		mode    TEXT NOT NULL,
		day     DATE NOT NULL,
		count   INT  NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, mode, day)
	);`,
	`CREATE TABLE IF NOT EXISTS quota_allocations (
		id         BOOLEAN PRIMARY KEY DEFAULT TRUE,
		single     INT NOT NULL,
		batch      INT NOT NULL,
		frame      INT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT quota_allocations_singleton CHECK (id)
	);`,
	`CREATE TABLE IF NOT EXISTS integration_tokens (
		provider   TEXT PRIMARY KEY,
		token      TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE TABLE IF NOT EXISTS generation_jobs (
		id            UUID PRIMARY KEY,
		user_id       TEXT NOT NULL,
		mode          TEXT NOT NULL,
		model         TEXT NOT NULL,
		state         TEXT NOT NULL,
		attempts      INT  NOT NULL DEFAULT 0,
		results_json  JSONB,
		fail_reason   TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS generation_jobs_user_created_idx
		ON generation_jobs (user_id, created_at DESC);`,
}

// EnsureSchema creates the service's tables when they do not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
