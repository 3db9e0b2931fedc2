package auth

import "context"

// DummyAuthenticator accepts any username with a non-empty password. If a
// global password is configured, that exact password is required instead.
// For development and testing only.
type DummyAuthenticator struct {
	// Password, when non-empty, is the single password accepted for all users.
	Password string
}

func (d *DummyAuthenticator) Authenticate(ctx context.Context, creds Credentials) (*Identity, error) {
	if creds.Password == "" {
		return nil, ErrAuthFailure
	}
	if d.Password != "" && creds.Password != d.Password {
		return nil, ErrAuthFailure
	}
	return &Identity{Username: creds.Username}, nil
}
