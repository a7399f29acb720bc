// Package routines persists user routines (trigger + action list),
// matches triggers against the clock and request context, executes
// matched actions, and runs the minute scheduler.
package routines

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmfontan/casia/internal/registry"
)

// Action string prefixes. Actions are tagged strings:
// "mqtt_publish:<topic>,<payload>" or "tts_speak:<text>".
const (
	ActionMQTTPrefix = "mqtt_publish:"
	ActionTTSPrefix  = "tts_speak:"
)

// Trigger type tags as stored in trigger_type and trigger["type"].
// relative_time_based is accepted when matching for backward
// compatibility but is never emitted by creators.
const (
	TriggerTimeBased         = "time_based"
	TriggerRelativeTimeBased = "relative_time_based"
	TriggerContextBased      = "context_based"
	TriggerEventBased        = "event_based"
)

// Routine is one persisted (trigger, actions) pair owned by a user.
// Commands are the joined registry records; they hold references,
// not ownership.
type Routine struct {
	ID             int64              `json:"id"`
	UserID         int64              `json:"user_id"`
	Name           string             `json:"name"`
	Description    string             `json:"description"`
	Trigger        map[string]any     `json:"trigger"`
	TriggerType    string             `json:"trigger_type"`
	Confirmed      bool               `json:"confirmed"`
	Enabled        bool               `json:"enabled"`
	Confidence     float64            `json:"confidence"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	LastExecuted   *time.Time         `json:"last_executed,omitempty"`
	ExecutionCount int                `json:"execution_count"`
	Actions        []string           `json:"actions"`
	Commands       []registry.Command `json:"commands,omitempty"`
}

// Store persists routines and the routine↔command join.
type Store struct {
	db  *sql.DB
	reg *registry.Store
}

// NewStore creates the routine store and applies its schema.
func NewStore(db *sql.DB, reg *registry.Store) (*Store, error) {
	s := &Store{db: db, reg: reg}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate routines: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS routines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			trigger TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			confirmed BOOLEAN NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_executed TIMESTAMP,
			execution_count INTEGER NOT NULL DEFAULT 0,
			actions TEXT NOT NULL DEFAULT '[]',
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_routines_user ON routines(user_id, confirmed, enabled);

		CREATE TABLE IF NOT EXISTS routine_iot_commands (
			routine_id INTEGER NOT NULL,
			command_id INTEGER NOT NULL,
			PRIMARY KEY (routine_id, command_id),
			FOREIGN KEY (routine_id) REFERENCES routines(id) ON DELETE CASCADE,
			FOREIGN KEY (command_id) REFERENCES iot_commands(id) ON DELETE CASCADE
		);
	`)
	return err
}

// Create persists a routine. The trigger is validated and its hour
// normalized to "HH:MM" before writing.
func (s *Store) Create(r *Routine) error {
	if r.Name == "" {
		return &ValidationError{Reason: "routine name must not be empty"}
	}
	if err := ValidateTrigger(r.Trigger); err != nil {
		return err
	}
	NormalizeTrigger(r.Trigger)
	if r.TriggerType == "" {
		if t, ok := r.Trigger["type"].(string); ok {
			r.TriggerType = t
		}
	}

	trigger, err := json.Marshal(r.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}

	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	res, err := s.db.Exec(`
		INSERT INTO routines (user_id, name, description, trigger, trigger_type, confirmed,
			enabled, confidence, created_at, updated_at, execution_count, actions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, r.UserID, r.Name, r.Description, string(trigger), r.TriggerType, r.Confirmed,
		r.Enabled, r.Confidence, now, now, string(actions))
	if err != nil {
		return fmt.Errorf("create routine: %w", err)
	}
	r.ID, _ = res.LastInsertId()

	for _, cmd := range r.Commands {
		if _, err := s.db.Exec(`
			INSERT OR IGNORE INTO routine_iot_commands (routine_id, command_id) VALUES (?, ?)
		`, r.ID, cmd.ID); err != nil {
			return fmt.Errorf("link command: %w", err)
		}
	}
	return nil
}

// Get loads one routine with its commands eagerly, so callers never
// touch the join after the read.
func (s *Store) Get(id int64) (*Routine, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, name, description, trigger, trigger_type, confirmed, enabled,
			confidence, created_at, updated_at, last_executed, execution_count, actions
		FROM routines WHERE id = ?
	`, id)

	r, err := scanRoutine(row)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	if err := s.loadCommands(r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListByUser returns a user's routines with commands eagerly loaded.
func (s *Store) ListByUser(userID int64, confirmedOnly, enabledOnly bool) ([]*Routine, error) {
	q := `
		SELECT id, user_id, name, description, trigger, trigger_type, confirmed, enabled,
			confidence, created_at, updated_at, last_executed, execution_count, actions
		FROM routines WHERE user_id = ?`
	if confirmedOnly {
		q += ` AND confirmed = 1`
	}
	if enabledOnly {
		q += ` AND enabled = 1`
	}
	q += ` ORDER BY id`

	return s.list(q, userID)
}

// ListRunnable returns every routine eligible for the scheduler:
// confirmed and enabled, across all users.
func (s *Store) ListRunnable() ([]*Routine, error) {
	return s.list(`
		SELECT id, user_id, name, description, trigger, trigger_type, confirmed, enabled,
			confidence, created_at, updated_at, last_executed, execution_count, actions
		FROM routines WHERE confirmed = 1 AND enabled = 1 ORDER BY id
	`)
}

func (s *Store) list(q string, args ...any) ([]*Routine, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list routines: %w", err)
	}
	defer rows.Close()

	var out []*Routine
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil || r == nil {
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range out {
		if err := s.loadCommands(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Update applies the mutable fields. Nil map values mean "leave
// unchanged"; the trigger is re-validated when replaced.
type Update struct {
	Name        *string
	Description *string
	Trigger     map[string]any
	Enabled     *bool
	Confidence  *float64
	Actions     []string
	CommandIDs  []int64
}

// Apply updates a routine and bumps updated_at.
func (s *Store) Apply(id int64, u Update) error {
	r, err := s.Get(id)
	if err != nil {
		return err
	}
	if r == nil {
		return ErrRoutineNotFound
	}

	if u.Name != nil {
		r.Name = *u.Name
	}
	if u.Description != nil {
		r.Description = *u.Description
	}
	if u.Trigger != nil {
		if err := ValidateTrigger(u.Trigger); err != nil {
			return err
		}
		NormalizeTrigger(u.Trigger)
		r.Trigger = u.Trigger
		if t, ok := u.Trigger["type"].(string); ok {
			r.TriggerType = t
		}
	}
	if u.Enabled != nil {
		r.Enabled = *u.Enabled
	}
	if u.Confidence != nil {
		r.Confidence = *u.Confidence
	}
	if u.Actions != nil {
		r.Actions = u.Actions
	}

	trigger, err := json.Marshal(r.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE routines SET name = ?, description = ?, trigger = ?, trigger_type = ?,
			enabled = ?, confidence = ?, actions = ?, updated_at = ?
		WHERE id = ?
	`, r.Name, r.Description, string(trigger), r.TriggerType, r.Enabled, r.Confidence,
		string(actions), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update routine: %w", err)
	}

	if u.CommandIDs != nil {
		if _, err := s.db.Exec(`DELETE FROM routine_iot_commands WHERE routine_id = ?`, id); err != nil {
			return fmt.Errorf("relink commands: %w", err)
		}
		for _, cid := range u.CommandIDs {
			if _, err := s.db.Exec(`
				INSERT OR IGNORE INTO routine_iot_commands (routine_id, command_id) VALUES (?, ?)
			`, id, cid); err != nil {
				return fmt.Errorf("relink commands: %w", err)
			}
		}
	}
	return nil
}

// Confirm marks a routine as accepted by the user.
func (s *Store) Confirm(id int64) error {
	res, err := s.db.Exec(`
		UPDATE routines SET confirmed = 1, enabled = 1, updated_at = ? WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("confirm routine: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoutineNotFound
	}
	return nil
}

// Reject deletes an unwanted suggestion.
func (s *Store) Reject(id int64) error {
	return s.Delete(id)
}

// Delete removes a routine; the join rows cascade.
func (s *Store) Delete(id int64) error {
	res, err := s.db.Exec(`DELETE FROM routines WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete routine: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoutineNotFound
	}
	return nil
}

// SetEnabled toggles the enabled flag.
func (s *Store) SetEnabled(id int64, enabled bool) error {
	res, err := s.db.Exec(`
		UPDATE routines SET enabled = ?, updated_at = ? WHERE id = ?
	`, enabled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("toggle routine: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoutineNotFound
	}
	return nil
}

// MarkExecuted stamps last_executed and bumps execution_count.
func (s *Store) MarkExecuted(id int64, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE routines SET last_executed = ?, execution_count = execution_count + 1 WHERE id = ?
	`, at.UTC(), id)
	return err
}

// ConfirmedActionExists reports whether a confirmed routine already
// covers the (intent, hour) pair. The pattern analyzer uses this to
// avoid re-suggesting behavior the user already automated.
func (s *Store) ConfirmedActionExists(userID int64, intent string, hour int) (bool, error) {
	rows, err := s.db.Query(`
		SELECT trigger FROM routines WHERE user_id = ? AND confirmed = 1
	`, userID)
	if err != nil {
		return false, fmt.Errorf("scan confirmed routines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			continue
		}
		var trigger map[string]any
		if err := json.Unmarshal([]byte(doc), &trigger); err != nil {
			continue
		}
		h, ok := TriggerHour(trigger)
		if !ok || h.Hour != hour {
			continue
		}
		if ti, _ := trigger["intent"].(string); ti == "" || ti == intent {
			return true, nil
		}
	}
	return false, rows.Err()
}

// TriggerExists reports whether the user already has a routine (in
// any confirmation state) with an equivalent trigger document.
func (s *Store) TriggerExists(userID int64, trigger map[string]any) (bool, error) {
	doc, err := json.Marshal(trigger)
	if err != nil {
		return false, err
	}
	var n int
	err = s.db.QueryRow(`
		SELECT COUNT(*) FROM routines WHERE user_id = ? AND trigger = ?
	`, userID, string(doc)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check trigger: %w", err)
	}
	return n > 0, nil
}

// Counts returns (total, confirmed, enabled) routine counts.
func (s *Store) Counts() (total, confirmed, enabled int, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(confirmed), 0),
			COALESCE(SUM(CASE WHEN confirmed = 1 AND enabled = 1 THEN 1 ELSE 0 END), 0)
		FROM routines
	`).Scan(&total, &confirmed, &enabled)
	return
}

// ListAll returns every routine for the status endpoint.
func (s *Store) ListAll() ([]*Routine, error) {
	return s.list(`
		SELECT id, user_id, name, description, trigger, trigger_type, confirmed, enabled,
			confidence, created_at, updated_at, last_executed, execution_count, actions
		FROM routines ORDER BY id
	`)
}

func (s *Store) loadCommands(r *Routine) error {
	rows, err := s.db.Query(`
		SELECT command_id FROM routine_iot_commands WHERE routine_id = ?
	`, r.ID)
	if err != nil {
		return fmt.Errorf("load routine commands: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	r.Commands = r.Commands[:0]
	for _, id := range ids {
		cmd, err := s.commandByID(id)
		if err != nil || cmd == nil {
			continue
		}
		r.Commands = append(r.Commands, *cmd)
	}
	return nil
}

func (s *Store) commandByID(id int64) (*registry.Command, error) {
	row := s.db.QueryRow(`
		SELECT id, name, description, kind, payload, COALESCE(topic, '')
		FROM iot_commands WHERE id = ?
	`, id)
	var c registry.Command
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Kind, &c.Payload, &c.Topic)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoutine(row rowScanner) (*Routine, error) {
	var r Routine
	var trigger, actions string
	var lastExecuted sql.NullTime

	err := row.Scan(&r.ID, &r.UserID, &r.Name, &r.Description, &trigger, &r.TriggerType,
		&r.Confirmed, &r.Enabled, &r.Confidence, &r.CreatedAt, &r.UpdatedAt,
		&lastExecuted, &r.ExecutionCount, &actions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan routine: %w", err)
	}

	if err := json.Unmarshal([]byte(trigger), &r.Trigger); err != nil {
		return nil, fmt.Errorf("parse trigger: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &r.Actions); err != nil {
		return nil, fmt.Errorf("parse actions: %w", err)
	}
	if lastExecuted.Valid {
		t := lastExecuted.Time
		r.LastExecuted = &t
	}
	return &r, nil
}
