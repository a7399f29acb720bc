// Package store provides the SQLite persistence layer shared by all
// subsystems: users, preferences, conversation history, device states,
// and the audit tables.
//
// Each subsystem package owns its migrate() over the shared *sql.DB;
// Open enables WAL and foreign keys so per-user deletion cascades
// through every dependent table.
package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Open opens (or creates) the Casia database at dbPath.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// Store is the core data-access layer over the shared database.
type Store struct {
	db *sql.DB
}

// New creates the core store and applies its schema.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate core schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		is_owner BOOLEAN NOT NULL DEFAULT 0,
		voice_embedding BLOB,
		face_embedding BLOB,
		hashed_password TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_permissions (
		user_id INTEGER NOT NULL,
		permission TEXT NOT NULL,
		PRIMARY KEY (user_id, permission),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS preferences (
		user_id INTEGER NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, key),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS conversation_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		prompt TEXT NOT NULL,
		response TEXT NOT NULL,
		speaker TEXT,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_conversation_user ON conversation_log(user_id, timestamp);

	CREATE TABLE IF NOT EXISTS device_states (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_name TEXT NOT NULL,
		device_type TEXT NOT NULL,
		state TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (device_name, device_type)
	);

	CREATE TABLE IF NOT EXISTS api_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		status INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		user_id INTEGER,
		payload TEXT
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		body TEXT NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, is_read);

	CREATE TABLE IF NOT EXISTS music_play_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		params TEXT,
		timestamp TIMESTAMP NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle for packages that own their own
// tables (registry, patterns, routines).
func (s *Store) DB() *sql.DB {
	return s.db
}

// now is stored in UTC everywhere; formatting to the configured
// timezone happens at the presentation layer.
func now() time.Time {
	return time.Now().UTC()
}
