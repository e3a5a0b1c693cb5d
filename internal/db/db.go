package db

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// Connect opens the Postgres pool and applies migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// OpenBadger opens the embedded store at path. An empty path opens it in memory.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	log.WithField("path", path).Info("badger ledger opened")
	return db, nil
}

func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS friendships (
            user1_id BIGINT NOT NULL,
            user2_id BIGINT NOT NULL,
            status TEXT NOT NULL CHECK (status IN ('pending', 'accepted', 'blocked')),
            requested_by BIGINT,
            blocked_by BIGINT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (user1_id, user2_id),
            CHECK (user1_id < user2_id)
        );`,
		`ALTER TABLE friendships ADD COLUMN IF NOT EXISTS requested_by BIGINT;`,
		`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            sender_id BIGINT NOT NULL,
            recipient_id BIGINT NOT NULL,
            body TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
        );`,
		`CREATE TABLE IF NOT EXISTS delivery_records (
            message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
            recipient_id BIGINT NOT NULL,
            sender_id BIGINT NOT NULL,
            state TEXT NOT NULL CHECK (state IN ('sent', 'delivered', 'read')),
            sent_at TIMESTAMPTZ NOT NULL,
            delivered_at TIMESTAMPTZ,
            read_at TIMESTAMPTZ,
            PRIMARY KEY (message_id, recipient_id)
        );`,
		`CREATE INDEX IF NOT EXISTS delivery_records_pending_idx
            ON delivery_records (recipient_id, sent_at, message_id) WHERE state = 'sent';`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	log.Info("database migrations applied")
	return nil
}
