package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DeviceState is the last-known state of a physical device. Command
// publishes update it optimistically; inbound bus status messages are
// authoritative.
type DeviceState struct {
	ID         int64           `json:"id"`
	DeviceName string          `json:"device_name"`
	DeviceType string          `json:"device_type"`
	State      json.RawMessage `json:"state"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// UpsertDeviceState writes the state document for (name, type).
func (s *Store) UpsertDeviceState(name, deviceType string, state map[string]any) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal device state: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO device_states (device_name, device_type, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_name, device_type) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`, name, deviceType, string(doc), now())
	if err != nil {
		return fmt.Errorf("upsert device state: %w", err)
	}
	return nil
}

// GetDeviceState loads one device row by name.
func (s *Store) GetDeviceState(name string) (*DeviceState, error) {
	row := s.db.QueryRow(`
		SELECT id, device_name, device_type, state, updated_at
		FROM device_states WHERE device_name = ?
	`, name)

	var d DeviceState
	var state string
	err := row.Scan(&d.ID, &d.DeviceName, &d.DeviceType, &state, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load device state: %w", err)
	}
	d.State = json.RawMessage(state)
	return &d, nil
}

// ListDeviceStates returns the current device inventory snapshot.
func (s *Store) ListDeviceStates() ([]DeviceState, error) {
	rows, err := s.db.Query(`
		SELECT id, device_name, device_type, state, updated_at
		FROM device_states ORDER BY device_type, device_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list device states: %w", err)
	}
	defer rows.Close()

	var devices []DeviceState
	for rows.Next() {
		var d DeviceState
		var state string
		if err := rows.Scan(&d.ID, &d.DeviceName, &d.DeviceType, &state, &d.UpdatedAt); err != nil {
			continue
		}
		d.State = json.RawMessage(state)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
