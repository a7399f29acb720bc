// Package patterns records context events for every confirmed intent
// and mines them for recurring behavior worth automating.
package patterns

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ContextEvent is one observed interaction: what the user wanted,
// what command (if any) was executed, and when.
type ContextEvent struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	Intent     string    `json:"intent"`
	Action     string    `json:"action"`
	DeviceType string    `json:"device_type"`
	Location   string    `json:"location"`
	Hour       int       `json:"hour"`
	Day        string    `json:"day"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventStore appends and reads context events.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates the store and applies its schema.
func NewEventStore(db *sql.DB) (*EventStore, error) {
	s := &EventStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate context events: %w", err)
	}
	return s, nil
}

func (s *EventStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS context_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			intent TEXT NOT NULL,
			action TEXT NOT NULL DEFAULT '',
			device_type TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_context_events_user ON context_events(user_id, created_at);
	`)
	return err
}

// Append records one event. The hour/day/timestamp triple is stored
// as a JSON context blob so the analyzer reads the hour the event
// happened at, not the hour it was queried at.
func (s *EventStore) Append(ev ContextEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Day == "" {
		ev.Day = ev.Timestamp.Weekday().String()
	}
	ctx, err := json.Marshal(map[string]any{
		"hour":      ev.Hour,
		"day":       ev.Day,
		"timestamp": ev.Timestamp.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO context_events (user_id, intent, action, device_type, location, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.UserID, ev.Intent, ev.Action, ev.DeviceType, ev.Location, string(ctx), ev.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append context event: %w", err)
	}
	return nil
}

// EventsForUser returns a user's events in chronological order.
func (s *EventStore) EventsForUser(userID int64) ([]ContextEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, intent, action, device_type, location, context, created_at
		FROM context_events WHERE user_id = ? ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("load context events: %w", err)
	}
	defer rows.Close()

	var out []ContextEvent
	for rows.Next() {
		var ev ContextEvent
		var ctx string
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Intent, &ev.Action, &ev.DeviceType,
			&ev.Location, &ctx, &ev.Timestamp); err != nil {
			continue
		}
		var blob struct {
			Hour *int   `json:"hour"`
			Day  string `json:"day"`
		}
		if err := json.Unmarshal([]byte(ctx), &blob); err == nil && blob.Hour != nil {
			ev.Hour = *blob.Hour
			ev.Day = blob.Day
		} else {
			ev.Hour = ev.Timestamp.Hour()
			ev.Day = ev.Timestamp.Weekday().String()
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Count returns the total number of recorded events.
func (s *EventStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM context_events`).Scan(&n)
	return n, err
}
