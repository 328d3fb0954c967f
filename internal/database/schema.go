// internal/database/schema.go
package database

import "context"

// The two partial unique indexes are load-bearing (see queue.go and
// session.go): they are what makes "one active queue entry per user" and
// "one non-terminal session per user" hold under concurrent inserts.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS queue_entries (
		id                  UUID PRIMARY KEY,
		user_id             UUID NOT NULL,
		game_mode           TEXT NOT NULL,
		region              TEXT NOT NULL,
		skill_level         INT NOT NULL CHECK (skill_level BETWEEN 1 AND 10),
		desired_max_players INT NOT NULL CHECK (desired_max_players BETWEEN 2 AND 4),
		preferences         JSONB NOT NULL DEFAULT '{}',
		status              TEXT NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS queue_entries_user_active
		ON queue_entries (user_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS queue_entries_bucket
		ON queue_entries (game_mode, region, desired_max_players) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS queue_entries_status_updated
		ON queue_entries (status, updated_at)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id              UUID PRIMARY KEY,
		host_user_id    UUID NOT NULL,
		game_mode       TEXT NOT NULL,
		region          TEXT NOT NULL,
		max_players     INT NOT NULL CHECK (max_players BETWEEN 2 AND 4),
		current_players INT NOT NULL CHECK (current_players >= 0),
		status          TEXT NOT NULL,
		privacy         TEXT NOT NULL DEFAULT 'public',
		secret_hash     TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at      TIMESTAMPTZ,
		ended_at        TIMESTAMPTZ,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (current_players <= max_players)
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_open
		ON sessions (game_mode, region, max_players, created_at) WHERE status = 'waiting'`,
	`CREATE INDEX IF NOT EXISTS sessions_status_updated
		ON sessions (status, updated_at)`,

	`CREATE TABLE IF NOT EXISTS session_members (
		session_id      UUID NOT NULL REFERENCES sessions(id),
		user_id         UUID NOT NULL,
		position        INT NOT NULL,
		member_status   TEXT NOT NULL DEFAULT 'joined',
		joined_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		disconnected_at TIMESTAMPTZ,
		active          BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (session_id, user_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS session_members_user_active
		ON session_members (user_id) WHERE active`,
}

// EnsureSchema creates the tables and indexes if they do not exist.
// Called once at startup; every statement is idempotent.
func EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := DB.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
