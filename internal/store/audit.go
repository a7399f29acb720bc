package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmfontan/casia/internal/config"
)

// APILogEntry is one audit row for an HTTP request.
type APILogEntry struct {
	Timestamp time.Time
	Method    string
	Path      string
	Status    int
	Duration  time.Duration
	UserID    int64
	Payload   map[string]any
}

// AppendAPILog records an HTTP request. The payload runs through the
// config sanitizer so secrets never reach the audit table.
func (s *Store) AppendAPILog(e APILogEntry) error {
	var payload any
	if e.Payload != nil {
		doc, err := json.Marshal(config.Sanitize(e.Payload))
		if err != nil {
			return fmt.Errorf("marshal api log payload: %w", err)
		}
		payload = string(doc)
	}

	var userID any
	if e.UserID != 0 {
		userID = e.UserID
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = now()
	}

	_, err := s.db.Exec(`
		INSERT INTO api_log (timestamp, method, path, status, duration_ms, user_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ts, e.Method, e.Path, e.Status, e.Duration.Milliseconds(), userID, payload)
	if err != nil {
		return fmt.Errorf("append api log: %w", err)
	}
	return nil
}

// Notification is a queued message for a user (routine executions,
// suggestions).
type Notification struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendNotification queues a notification for a user.
func (s *Store) AppendNotification(userID int64, kind, body string) error {
	_, err := s.db.Exec(`
		INSERT INTO notifications (user_id, kind, body, created_at) VALUES (?, ?, ?, ?)
	`, userID, kind, body, now())
	if err != nil {
		return fmt.Errorf("append notification: %w", err)
	}
	return nil
}

// Notifications returns a user's notifications, newest first. When
// unreadOnly is set, read rows are skipped.
func (s *Store) Notifications(userID int64, unreadOnly bool) ([]Notification, error) {
	q := `SELECT id, user_id, kind, body, is_read, created_at FROM notifications WHERE user_id = ?`
	if unreadOnly {
		q += ` AND is_read = 0`
	}
	q += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.Query(q, userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Body, &n.Read, &n.CreatedAt); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead flags a notification as read.
func (s *Store) MarkNotificationRead(id int64) error {
	_, err := s.db.Exec(`UPDATE notifications SET is_read = 1 WHERE id = ?`, id)
	return err
}

// AppendMusicPlay records a music action for audit.
func (s *Store) AppendMusicPlay(userID int64, action, params string) error {
	_, err := s.db.Exec(`
		INSERT INTO music_play_log (user_id, action, params, timestamp) VALUES (?, ?, ?, ?)
	`, userID, action, params, now())
	if err != nil {
		return fmt.Errorf("append music play: %w", err)
	}
	return nil
}
