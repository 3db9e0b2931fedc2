package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	ok, err := VerifyPassword("correct horse battery staple", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashPasswordUniqueSalts(t *testing.T) {
	first, err := HashPassword("pw")
	require.NoError(t, err)
	second, err := HashPassword("pw")
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "each hash gets a fresh salt")
}

func TestVerifyPasswordRejectsMalformedHashes(t *testing.T) {
	cases := []string{
		"",
		"not-a-hash",
		"$bcrypt$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=3,p=4$!!!$aGFzaA",
	}
	for _, hash := range cases {
		_, err := VerifyPassword("pw", hash)
		assert.Error(t, err, "hash %q", hash)
	}
}

// mapPasswordStore backs the authenticator with a fixed table.
type mapPasswordStore map[string]struct {
	hash  string
	admin bool
}

func (m mapPasswordStore) GetPasswordHash(ctx context.Context, username string) (string, bool, error) {
	entry, ok := m[username]
	if !ok {
		return "", false, errors.New("no such user")
	}
	return entry.hash, entry.admin, nil
}

func TestPasswordAuthenticator(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	store := mapPasswordStore{
		"alice":    {hash: hash, admin: true},
		"passless": {hash: ""},
	}
	a := NewPasswordAuthenticator(store)
	ctx := context.Background()

	identity, err := a.Authenticate(ctx, Credentials{Username: "alice", Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Username)
	assert.True(t, identity.Admin)

	_, err = a.Authenticate(ctx, Credentials{Username: "alice", Password: "wrong"})
	assert.ErrorIs(t, err, ErrAuthFailure)

	// Unknown users and users without a password are indistinguishable failures.
	_, err = a.Authenticate(ctx, Credentials{Username: "nobody", Password: "hunter2"})
	assert.ErrorIs(t, err, ErrAuthFailure)
	_, err = a.Authenticate(ctx, Credentials{Username: "passless", Password: "hunter2"})
	assert.ErrorIs(t, err, ErrAuthFailure)
}
