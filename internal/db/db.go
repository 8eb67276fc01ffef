package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Connect initializes the database connection and runs migrations.
func Connect(dsn string, log zerolog.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Int("migrations", len(migrations)).Msg("database migrations applied")
	return db, nil
}

// Profiles are owned by the account service; the table is created here only so
// that a fresh development database has something to join against.
var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS pgcrypto;`,
	`CREATE TABLE IF NOT EXISTS profiles (
            id TEXT PRIMARY KEY,
            display_name TEXT NOT NULL DEFAULT '',
            avatar_url TEXT NOT NULL DEFAULT '',
            role TEXT NOT NULL DEFAULT ''
        );`,
	`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            sender_id TEXT NOT NULL,
            receiver_id TEXT NOT NULL,
            content TEXT NOT NULL,
            content_type TEXT NOT NULL DEFAULT 'text' CHECK (content_type IN ('text', 'image', 'sticker')),
            media_url TEXT NOT NULL DEFAULT '',
            is_read BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
            CHECK (sender_id <> receiver_id)
        );`,
	`CREATE INDEX IF NOT EXISTS messages_pair_created_idx ON messages (sender_id, receiver_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS messages_unread_idx ON messages (receiver_id, sender_id) WHERE is_read = FALSE;`,
	`CREATE OR REPLACE FUNCTION messages_append_only() RETURNS trigger AS $$
        BEGIN
            IF TG_OP = 'DELETE' THEN
                RAISE EXCEPTION 'messages are append-only';
            END IF;
            IF NEW.id <> OLD.id OR NEW.sender_id <> OLD.sender_id OR NEW.receiver_id <> OLD.receiver_id
                OR NEW.content <> OLD.content OR NEW.content_type <> OLD.content_type
                OR NEW.media_url <> OLD.media_url OR NEW.created_at <> OLD.created_at
                OR (OLD.is_read AND NOT NEW.is_read) THEN
                RAISE EXCEPTION 'only is_read may change, and only from false to true';
            END IF;
            RETURN NEW;
        END;
        $$ LANGUAGE plpgsql;`,
	`DROP TRIGGER IF EXISTS messages_append_only_trg ON messages;`,
	`CREATE TRIGGER messages_append_only_trg BEFORE UPDATE OR DELETE ON messages
        FOR EACH ROW EXECUTE FUNCTION messages_append_only();`,
	`CREATE TABLE IF NOT EXISTS stickers (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            owner_id TEXT NOT NULL,
            image_url TEXT NOT NULL,
            name TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE INDEX IF NOT EXISTS stickers_owner_idx ON stickers (owner_id, created_at DESC);`,
}

func runMigrations(db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}
