package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrUserNotFound is returned when a lookup matches no user row.
var ErrUserNotFound = errors.New("user not found")

// User is an identified speaker.
type User struct {
	ID             int64
	Name           string
	IsOwner        bool
	VoiceEmbedding []byte
	FaceEmbedding  []byte
	HashedPassword string
	Permissions    []string
	Preferences    map[string]string
}

// CreateUser registers a new user. Name must be unique and non-empty.
func (s *Store) CreateUser(name string, isOwner bool, hashedPassword string) (*User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("user name must not be empty")
	}

	res, err := s.db.Exec(`
		INSERT INTO users (name, is_owner, hashed_password, created_at)
		VALUES (?, ?, ?, ?)
	`, name, isOwner, hashedPassword, now())
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return &User{
		ID:             id,
		Name:           name,
		IsOwner:        isOwner,
		HashedPassword: hashedPassword,
		Preferences:    map[string]string{},
	}, nil
}

// GetUser loads a user with permissions and preferences eagerly, since
// both are needed to assemble the system prompt.
func (s *Store) GetUser(id int64) (*User, error) {
	row := s.db.QueryRow(`
		SELECT id, name, is_owner, voice_embedding, face_embedding, COALESCE(hashed_password, '')
		FROM users WHERE id = ?
	`, id)

	u := &User{}
	err := row.Scan(&u.ID, &u.Name, &u.IsOwner, &u.VoiceEmbedding, &u.FaceEmbedding, &u.HashedPassword)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	if u.Permissions, err = s.userPermissions(id); err != nil {
		return nil, err
	}
	if u.Preferences, err = s.GetPreferences(id); err != nil {
		return nil, err
	}
	return u, nil
}

// GetUserByName loads a user by display name.
func (s *Store) GetUserByName(name string) (*User, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM users WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user by name: %w", err)
	}
	return s.GetUser(id)
}

// RenameUser changes a user's display name. The new name must be
// unique and non-empty.
func (s *Store) RenameUser(id int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("user name must not be empty")
	}
	res, err := s.db.Exec(`UPDATE users SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("rename user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetEmbeddings stores biometric embeddings as opaque blobs. A nil
// slice leaves the existing value untouched.
func (s *Store) SetEmbeddings(id int64, voice, face []byte) error {
	if voice != nil {
		if _, err := s.db.Exec(`UPDATE users SET voice_embedding = ? WHERE id = ?`, voice, id); err != nil {
			return fmt.Errorf("store voice embedding: %w", err)
		}
	}
	if face != nil {
		if _, err := s.db.Exec(`UPDATE users SET face_embedding = ? WHERE id = ?`, face, id); err != nil {
			return fmt.Errorf("store face embedding: %w", err)
		}
	}
	return nil
}

// GrantPermission adds a permission to a user. Granting an already
// held permission is a no-op.
func (s *Store) GrantPermission(id int64, permission string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO user_permissions (user_id, permission) VALUES (?, ?)
	`, id, permission)
	if err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

// HasPermission reports whether the user holds the permission. Owners
// implicitly hold every permission.
func (u *User) HasPermission(permission string) bool {
	if u.IsOwner {
		return true
	}
	for _, p := range u.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

func (s *Store) userPermissions(id int64) ([]string, error) {
	rows, err := s.db.Query(`SELECT permission FROM user_permissions WHERE user_id = ? ORDER BY permission`, id)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			continue
		}
		perms = append(perms, p)
	}
	return perms, nil
}

// DeleteUser removes a user. Foreign keys cascade the deletion to
// preferences, history, context events, notifications, and routines.
func (s *Store) DeleteUser(id int64) error {
	res, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers() ([]*User, error) {
	rows, err := s.db.Query(`SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
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

	users := make([]*User, 0, len(ids))
	for _, id := range ids {
		u, err := s.GetUser(id)
		if err != nil {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}
