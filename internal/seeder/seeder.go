// Package seeder provisions the development schema and a working API key.
// Production deployments run real migrations instead.
package seeder

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/infergate/infergate/internal/auth"
)

const (
	DevAPIKey = "dev-api-key-12345"
	DevUserID = "00000000-0000-0000-0000-000000000001"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the gateway tables when missing.
func EnsureSchema(ctx context.Context, db DB) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			rate_limit BIGINT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			ts TIMESTAMPTZ NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			thread_id TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS usage_records_ts_idx ON usage_records (ts)`,
		`CREATE INDEX IF NOT EXISTS usage_records_user_idx ON usage_records (user_id, ts)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// SeedDevKey inserts the fixed development API key. Safe to call on every
// boot; an existing key is left alone.
func SeedDevKey(ctx context.Context, store auth.Store) {
	apiKey := &auth.APIKey{
		UserID:    DevUserID,
		KeyHash:   auth.HashKey(DevAPIKey),
		RateLimit: 1000000,
		Active:    true,
	}

	if err := store.Create(ctx, apiKey); err != nil {
		log.Debug().Err(err).Msg("Dev API key may already exist, skipping")
		return
	}
	log.Info().Str("key", DevAPIKey).Str("user_id", DevUserID).Msg("Dev API key created")
}
