// Package registry is the catalog of known IoT device commands, backed
// by the iot_commands table with a read-through TTL cache in front.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Command is one registered device command.
type Command struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        string `json:"kind"` // only "mqtt" is supported
	Payload     string `json:"payload"`
	Topic       string `json:"topic,omitempty"`
}

// Store persists commands and serves them cache-first.
type Store struct {
	db    *sql.DB
	cache *cache
}

// New creates the registry store, applies its schema, and pre-warms
// the cache from the table.
func New(db *sql.DB, ttl time.Duration) (*Store, error) {
	s := &Store{db: db, cache: newCache(ttl)}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate iot_commands: %w", err)
	}
	if _, cmds, err := s.LoadAll(); err == nil {
		for i := range cmds {
			s.cache.put(cmds[i].Name, &cmds[i])
		}
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS iot_commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'mqtt',
			payload TEXT NOT NULL,
			topic TEXT
		);
	`)
	return err
}

// Create registers a new command. Administrative surface only.
func (s *Store) Create(cmd *Command) error {
	if cmd.Name == "" {
		return errors.New("command name must not be empty")
	}
	if cmd.Kind == "" {
		cmd.Kind = "mqtt"
	}
	res, err := s.db.Exec(`
		INSERT INTO iot_commands (name, description, kind, payload, topic)
		VALUES (?, ?, ?, ?, ?)
	`, cmd.Name, cmd.Description, cmd.Kind, cmd.Payload, nullable(cmd.Topic))
	if err != nil {
		return fmt.Errorf("create command: %w", err)
	}
	cmd.ID, _ = res.LastInsertId()
	s.cache.put(cmd.Name, cmd)
	return nil
}

// Delete removes a command by name and drops its cache entry.
func (s *Store) Delete(name string) error {
	if _, err := s.db.Exec(`DELETE FROM iot_commands WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete command: %w", err)
	}
	s.Invalidate(name)
	return nil
}

// LoadAll reads every command and returns a human-readable bullet
// listing (for prompt injection) alongside the raw records.
func (s *Store) LoadAll() (string, []Command, error) {
	rows, err := s.db.Query(`
		SELECT id, name, description, kind, payload, COALESCE(topic, '')
		FROM iot_commands ORDER BY name
	`)
	if err != nil {
		return "", nil, fmt.Errorf("load commands: %w", err)
	}
	defer rows.Close()

	var cmds []Command
	for rows.Next() {
		var c Command
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.Kind, &c.Payload, &c.Topic); err != nil {
			continue
		}
		cmds = append(cmds, c)
	}
	if err := rows.Err(); err != nil {
		return "", nil, fmt.Errorf("load commands: %w", err)
	}

	var sb strings.Builder
	for _, c := range cmds {
		sb.WriteString("- ")
		sb.WriteString(c.Name)
		if c.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(c.Description)
		}
		if c.Topic != "" {
			fmt.Fprintf(&sb, " (topic: %s, payload: %s)", c.Topic, c.Payload)
		}
		sb.WriteString("\n")
	}
	return sb.String(), cmds, nil
}

// GetByName returns a command cache-first, falling back to the table
// and refreshing the cache on a hit. Returns nil when unknown.
func (s *Store) GetByName(name string) (*Command, error) {
	if c := s.cache.get(name); c != nil {
		return c, nil
	}

	row := s.db.QueryRow(`
		SELECT id, name, description, kind, payload, COALESCE(topic, '')
		FROM iot_commands WHERE name = ?
	`, name)

	var c Command
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Kind, &c.Payload, &c.Topic)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load command: %w", err)
	}
	s.cache.put(c.Name, &c)
	return &c, nil
}

// GetByTopicPayload resolves a command by its (topic, payload) pair.
// Used for the synthetic mqtt_publish marker, which carries no name.
func (s *Store) GetByTopicPayload(topic, payload string) (*Command, error) {
	row := s.db.QueryRow(`
		SELECT id, name, description, kind, payload, COALESCE(topic, '')
		FROM iot_commands WHERE topic = ? AND payload = ?
	`, topic, payload)

	var c Command
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Kind, &c.Payload, &c.Topic)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load command by topic: %w", err)
	}
	s.cache.put(c.Name, &c)
	return &c, nil
}

// Validate confirms that the (topic, payload) pair belongs to a
// registered command whose kind is "mqtt".
func (s *Store) Validate(topic, payload string) (bool, string) {
	cmd, err := s.GetByTopicPayload(topic, payload)
	if err != nil {
		return false, fmt.Sprintf("registry lookup failed: %v", err)
	}
	if cmd == nil {
		return false, fmt.Sprintf("no registered command for topic %q with payload %q", topic, payload)
	}
	if cmd.Kind != "mqtt" {
		return false, fmt.Sprintf("command %q has unsupported kind %q", cmd.Name, cmd.Kind)
	}
	return true, ""
}

// Invalidate drops one cache entry, or all entries when name is empty.
func (s *Store) Invalidate(name string) {
	if name == "" {
		s.cache.clear()
		return
	}
	s.cache.drop(name)
}

// StartSweeper runs the background expiry sweep until ctx is
// cancelled.
func (s *Store) StartSweeper(ctx context.Context) {
	s.cache.startSweeper(ctx)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
