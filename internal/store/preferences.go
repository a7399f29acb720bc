package store

import (
	"errors"
	"fmt"
)

const maxPreferenceKeyLen = 100

// SetPreference inserts or updates a (user, key) preference. Setting
// the same key twice leaves exactly one row, with the later value.
func (s *Store) SetPreference(userID int64, key, value string) error {
	if key == "" {
		return errors.New("preference key must not be empty")
	}
	if len(key) > maxPreferenceKeyLen {
		return fmt.Errorf("preference key exceeds %d characters", maxPreferenceKeyLen)
	}
	if value == "" {
		return errors.New("preference value must not be empty")
	}

	_, err := s.db.Exec(`
		INSERT INTO preferences (user_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, userID, key, value, now())
	if err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	return nil
}

// GetPreferences returns all preferences for a user as a key → value map.
func (s *Store) GetPreferences(userID int64) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM preferences WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	defer rows.Close()

	prefs := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			continue
		}
		prefs[k] = v
	}
	return prefs, nil
}
