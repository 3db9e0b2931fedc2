package state

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrTokenNotFound is returned when a token lookup or revocation misses.
var ErrTokenNotFound = errors.New("token not found")

// APIToken is a long-lived bearer token for the admin/REST surface. Only a
// SHA-256 fingerprint of the token is stored; the cleartext is returned once
// at issue time and never again.
type APIToken struct {
	ID        string `db:"id"`
	UserName  string `db:"user_name"`
	TokenHash string `db:"token_hash"`
	Note      string `db:"note"`
	Created   int64  `db:"created"`   // unix seconds
	LastUsed  int64  `db:"last_used"` // unix seconds, zero if never used
}

// TokenStore persists API tokens in sqlite via sqlx.
type TokenStore struct {
	db *sqlx.DB
}

// NewTokenStore creates the store and its schema.
func NewTokenStore(db *sqlx.DB) (*TokenStore, error) {
	if err := tokensDBInit(db); err != nil {
		return nil, fmt.Errorf("failed to initialize api_tokens table: %w", err)
	}
	return &TokenStore{db: db}, nil
}

func tokensDBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS api_tokens (
			id TEXT PRIMARY KEY,
			user_name TEXT NOT NULL,
			token_hash TEXT UNIQUE NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created INTEGER NOT NULL,
			last_used INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_api_tokens_user ON api_tokens(user_name)`)
	return err
}

// tokenFingerprint hashes a token for storage and lookup, so token values
// never touch the database.
func tokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// Issue mints a new API token for userName and returns the cleartext token
// along with its stored record.
func (s *TokenStore) Issue(ctx context.Context, userName, note string) (string, *APIToken, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	record := &APIToken{
		ID:        uuid.New().String(),
		UserName:  userName,
		TokenHash: tokenFingerprint(token),
		Note:      note,
		Created:   time.Now().Unix(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_tokens (id, user_name, token_hash, note, created, last_used)
		VALUES ($1, $2, $3, $4, $5, 0)`,
		record.ID, record.UserName, record.TokenHash, record.Note, record.Created)
	if err != nil {
		return "", nil, fmt.Errorf("failed to insert token for %s: %w", userName, err)
	}

	return token, record, nil
}

// Lookup resolves a cleartext token to its record and stamps last_used.
func (s *TokenStore) Lookup(ctx context.Context, token string) (*APIToken, error) {
	var record APIToken
	err := s.db.GetContext(ctx, &record, `
		SELECT id, user_name, token_hash, note, created, last_used
		FROM api_tokens WHERE token_hash = $1`, tokenFingerprint(token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx, "UPDATE api_tokens SET last_used = $1 WHERE id = $2", now, record.ID); err != nil {
		return nil, fmt.Errorf("failed to stamp token use: %w", err)
	}
	record.LastUsed = now

	return &record, nil
}

// Revoke deletes a token by ID.
func (s *TokenStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM api_tokens WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to revoke token %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// ListForUser returns the token records owned by userName, newest first.
// Fingerprints only; the cleartext is unrecoverable.
func (s *TokenStore) ListForUser(ctx context.Context, userName string) ([]APIToken, error) {
	var tokens []APIToken
	err := s.db.SelectContext(ctx, &tokens, `
		SELECT id, user_name, token_hash, note, created, last_used
		FROM api_tokens WHERE user_name = $1 ORDER BY created DESC`, userName)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens for %s: %w", userName, err)
	}
	return tokens, nil
}

// DeleteForUser removes all tokens owned by userName.
func (s *TokenStore) DeleteForUser(ctx context.Context, userName string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM api_tokens WHERE user_name = $1", userName)
	if err != nil {
		return fmt.Errorf("failed to delete tokens for %s: %w", userName, err)
	}
	return nil
}
