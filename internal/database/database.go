package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect creates a pgx pool for databaseURL and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is not set")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// Migrate creates the tables the messaging core reads and writes. The users and
// connections tables belong to the profile and connection services; they are
// created here only when missing so the chat server can run standalone.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	handle     TEXT NOT NULL UNIQUE,
	avatar     TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS connections (
	id           TEXT PRIMARY KEY,
	requester_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	recipient_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	status       TEXT NOT NULL CHECK (status IN ('pending', 'accepted', 'rejected')),
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	receiver_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	text            TEXT NOT NULL CHECK (length(text) > 0),
	read            BOOLEAN NOT NULL DEFAULT false,
	read_at         TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (sender_id <> receiver_id)
);

CREATE INDEX IF NOT EXISTS messages_conversation_created_idx
	ON messages (conversation_id, created_at DESC);

CREATE INDEX IF NOT EXISTS messages_receiver_unread_idx
	ON messages (receiver_id, conversation_id) WHERE read = false;
`
