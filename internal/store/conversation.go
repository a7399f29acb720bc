package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ConversationEntry is one stored prompt/response exchange. The
// response column holds the post-processed, user-visible text.
type ConversationEntry struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	Speaker   string    `json:"speaker,omitempty"`
}

// AppendConversation records one exchange. Append-only; ordering by
// timestamp defines history.
func (s *Store) AppendConversation(userID int64, prompt, response, speaker string) error {
	_, err := s.db.Exec(`
		INSERT INTO conversation_log (user_id, timestamp, prompt, response, speaker)
		VALUES (?, ?, ?, ?, ?)
	`, userID, now(), prompt, response, speaker)
	if err != nil {
		return fmt.Errorf("append conversation: %w", err)
	}
	return nil
}

// History returns the most recent limit exchanges for a user, oldest
// first, ready for prompt injection.
func (s *Store) History(userID int64, limit int) ([]ConversationEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, timestamp, prompt, response, COALESCE(speaker, '')
		FROM conversation_log
		WHERE user_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	entries, err := scanConversation(rows)
	if err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// SearchHistory returns exchanges whose prompt or response contains
// the query, newest first. Used by the memory_search marker handler.
func (s *Store) SearchHistory(userID int64, query string, limit int) ([]ConversationEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	like := "%" + query + "%"
	rows, err := s.db.Query(`
		SELECT id, user_id, timestamp, prompt, response, COALESCE(speaker, '')
		FROM conversation_log
		WHERE user_id = ? AND (prompt LIKE ? OR response LIKE ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, userID, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("search history: %w", err)
	}
	defer rows.Close()

	return scanConversation(rows)
}

// LastInteraction returns the timestamp of the user's most recent
// exchange, or the zero time when no history exists.
func (s *Store) LastInteraction(userID int64) (time.Time, error) {
	var ts time.Time
	err := s.db.QueryRow(`
		SELECT timestamp FROM conversation_log WHERE user_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1
	`, userID).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last interaction: %w", err)
	}
	return ts, nil
}

// DeleteHistory removes all conversation rows for a user.
func (s *Store) DeleteHistory(userID int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM conversation_log WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanConversation(rows *sql.Rows) ([]ConversationEntry, error) {
	var entries []ConversationEntry
	for rows.Next() {
		var e ConversationEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Timestamp, &e.Prompt, &e.Response, &e.Speaker); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
