// Package postgres provides a PostgreSQL-backed [store.Store] built on a
// single [pgxpool.Pool].
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	_ = st.UpsertInProgress(ctx, conv)
//	profile, err := st.GetProfile(ctx, uid)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    uid          TEXT         NOT NULL,
    id           TEXT         NOT NULL,
    language     TEXT         NOT NULL DEFAULT '',
    status       TEXT         NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL,
    started_at   TIMESTAMPTZ  NOT NULL,
    finished_at  TIMESTAMPTZ  NOT NULL,
    segments     JSONB        NOT NULL DEFAULT '[]',
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (uid, id)
);

CREATE INDEX IF NOT EXISTS idx_conversations_uid_status
    ON conversations (uid, status);
`

const ddlProfiles = `
CREATE TABLE IF NOT EXISTS speech_profiles (
    uid          TEXT         PRIMARY KEY,
    audio        BYTEA        NOT NULL,
    sample_rate  INTEGER      NOT NULL,
    duration_ns  BIGINT       NOT NULL,
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
    uid         TEXT         PRIMARY KEY,
    name        TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates the tables the store needs. It is idempotent and safe to
// call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlUsers, ddlConversations, ddlProfiles} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
