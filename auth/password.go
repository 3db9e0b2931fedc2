package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters used for newly hashed passwords.
const (
	argonTime    = 3
	argonMemory  = 65536 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLength   = 16
)

// HashPassword creates an argon2id hash of the given password in the
// standard encoded form: $argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyPassword checks a password against an encoded argon2id hash using a
// constant-time comparison.
func VerifyPassword(password, encodedHash string) (bool, error) {
	params, salt, hash, err := decodeHash(encodedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), salt, params.time, params.memory, params.threads, params.keyLen)
	return subtle.ConstantTimeCompare(hash, computed) == 1, nil
}

type argonParams struct {
	memory  uint32
	time    uint32
	threads uint8
	keyLen  uint32
}

func decodeHash(encodedHash string) (*argonParams, []byte, []byte, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return nil, nil, nil, fmt.Errorf("invalid hash format: expected 6 parts, got %d", len(parts))
	}
	if parts[1] != "argon2id" {
		return nil, nil, nil, fmt.Errorf("invalid hash algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid hash version: %w", err)
	}

	params := &argonParams{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.memory, &params.time, &params.threads); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid hash parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid salt encoding: %w", err)
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid hash encoding: %w", err)
	}
	params.keyLen = uint32(len(hash))

	return params, salt, hash, nil
}

// PasswordStore is the subset of the user store the password authenticator
// needs: a lookup from username to stored password hash and admin flag.
type PasswordStore interface {
	GetPasswordHash(ctx context.Context, username string) (hash string, admin bool, err error)
}

// PasswordAuthenticator validates credentials against argon2id hashes held in
// the persistent user store.
type PasswordAuthenticator struct {
	store PasswordStore
}

func NewPasswordAuthenticator(store PasswordStore) *PasswordAuthenticator {
	return &PasswordAuthenticator{store: store}
}

func (p *PasswordAuthenticator) Authenticate(ctx context.Context, creds Credentials) (*Identity, error) {
	hash, admin, err := p.store.GetPasswordHash(ctx, creds.Username)
	if err != nil || hash == "" {
		// Unknown user and user-without-password collapse to the same failure.
		return nil, ErrAuthFailure
	}

	ok, err := VerifyPassword(creds.Password, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password for %s: %w", creds.Username, err)
	}
	if !ok {
		return nil, ErrAuthFailure
	}

	return &Identity{Username: creds.Username, Admin: admin}, nil
}
