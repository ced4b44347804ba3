package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied idempotently at startup. Statements use IF NOT EXISTS
// so repeated boots against the same database are safe.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		phone      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		user_id    TEXT NOT NULL,
		device_id  TEXT PRIMARY KEY,
		token      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS devices_user_idx ON devices (user_id)`,
	`CREATE TABLE IF NOT EXISTS rooms (
		id         TEXT PRIMARY KEY,
		title      TEXT NOT NULL DEFAULT '',
		is_group   BOOLEAN NOT NULL DEFAULT false,
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS participants (
		room_id   TEXT NOT NULL REFERENCES rooms (id),
		user_id   TEXT NOT NULL,
		role      TEXT NOT NULL DEFAULT 'member',
		joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (room_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id           TEXT PRIMARY KEY,
		seq          BIGSERIAL,
		room_id      TEXT NOT NULL REFERENCES rooms (id),
		sender_id    TEXT NOT NULL,
		content      TEXT NOT NULL DEFAULT '',
		media_url    TEXT NOT NULL DEFAULT '',
		media_type   TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT 'text',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS messages_room_seq_idx ON messages (room_id, seq)`,
}

func applySchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}
