// Package state persists hub-owned records: users and API tokens. Backend
// server processes are deliberately not persisted; their source of truth is
// the spawner and the proxy routing table.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrUserNotFound is returned by lookups for names with no user record.
var ErrUserNotFound = errors.New("user not found")

// User is a hub user. Created on first successful authentication, never
// implicitly deleted. The name is immutable once created.
type User struct {
	ID           int    `db:"id"`
	Name         string `db:"name"`
	Admin        bool   `db:"admin"`
	PasswordHash string `db:"password_hash"`
	Created      int64  `db:"created"` // unix seconds
}

// UserStore persists users in sqlite via sqlx.
type UserStore struct {
	db *sqlx.DB
}

// NewUserStore creates the store and its schema.
func NewUserStore(db *sqlx.DB) (*UserStore, error) {
	if err := usersDBInit(db); err != nil {
		return nil, fmt.Errorf("failed to initialize users table: %w", err)
	}
	return &UserStore{db: db}, nil
}

func usersDBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			admin INTEGER NOT NULL DEFAULT 0,
			password_hash TEXT NOT NULL DEFAULT '',
			created INTEGER NOT NULL
		)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_users_created ON users(created)`)
	return err
}

// Get returns the user record for name, or ErrUserNotFound.
func (s *UserStore) Get(ctx context.Context, name string) (*User, error) {
	var user User
	err := s.db.GetContext(ctx, &user,
		"SELECT id, name, admin, password_hash, created FROM users WHERE name = $1", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", name, err)
	}
	return &user, nil
}

// Create inserts a new user. The name must not already exist.
func (s *UserStore) Create(ctx context.Context, name string, admin bool) (*User, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (name, admin, created) VALUES ($1, $2, $3)",
		name, admin, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert user %s: %w", name, err)
	}
	return s.Get(ctx, name)
}

// GetOrCreate returns the user for name, creating it on first login. The
// admin flag is refreshed from the authenticated identity either way.
func (s *UserStore) GetOrCreate(ctx context.Context, name string, admin bool) (*User, bool, error) {
	user, err := s.Get(ctx, name)
	if err == nil {
		if user.Admin != admin {
			if _, err := s.db.ExecContext(ctx, "UPDATE users SET admin = $1 WHERE name = $2", admin, name); err != nil {
				return nil, false, fmt.Errorf("failed to update admin flag for %s: %w", name, err)
			}
			user.Admin = admin
		}
		return user, false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, false, err
	}

	user, err = s.Create(ctx, name, admin)
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

// Delete removes a user record. Deleting an unknown user returns ErrUserNotFound.
func (s *UserStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE name = $1", name)
	if err != nil {
		return fmt.Errorf("failed to delete user %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// List returns all users in creation order.
func (s *UserStore) List(ctx context.Context) ([]User, error) {
	var users []User
	err := s.db.SelectContext(ctx, &users,
		"SELECT id, name, admin, password_hash, created FROM users ORDER BY created, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// SetPassword stores an already-hashed password for name.
func (s *UserStore) SetPassword(ctx context.Context, name, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET password_hash = $1 WHERE name = $2", passwordHash, name)
	if err != nil {
		return fmt.Errorf("failed to set password for %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetPasswordHash implements auth.PasswordStore.
func (s *UserStore) GetPasswordHash(ctx context.Context, name string) (string, bool, error) {
	user, err := s.Get(ctx, name)
	if err != nil {
		return "", false, err
	}
	return user.PasswordHash, user.Admin, nil
}
