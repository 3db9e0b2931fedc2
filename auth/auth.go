// Package auth defines the authenticator capability consumed by the hub
// orchestrator, plus the concrete variants selectable at construction time.
package auth

import (
	"context"
	"errors"
	"strings"
)

// ErrAuthFailure is returned for any bad-credential outcome. Authenticators
// must not distinguish unknown users from wrong passwords in their error.
var ErrAuthFailure = errors.New("authentication failed")

// Credentials carries one login attempt. The orchestrator never stores these;
// only the resulting Identity is retained.
type Credentials struct {
	Username string
	Password string
}

// Identity is the stable result of a successful authentication. Re-authenticating
// the same principal must resolve to the same Username.
type Identity struct {
	Username string
	Admin    bool
}

// Authenticator validates credentials and returns a stable identity.
// Implementations must be idempotent and side-effect-free on failure.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (*Identity, error)
}

// NormalizeUsername lowercases and trims a username so that differently-cased
// logins resolve to the same identity.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Allowlist restricts an inner authenticator to a fixed set of usernames and
// applies normalization before the inner variant sees the credentials.
// An empty allowed set admits any username the inner authenticator accepts.
type Allowlist struct {
	inner   Authenticator
	allowed map[string]bool
	admins  map[string]bool
}

// NewAllowlist wraps inner with username normalization, an optional allowlist
// and an admin set. Names in both sets are normalized at construction.
func NewAllowlist(inner Authenticator, allowed, admins []string) *Allowlist {
	a := &Allowlist{
		inner:   inner,
		allowed: make(map[string]bool, len(allowed)),
		admins:  make(map[string]bool, len(admins)),
	}
	for _, name := range allowed {
		a.allowed[NormalizeUsername(name)] = true
	}
	for _, name := range admins {
		a.admins[NormalizeUsername(name)] = true
	}
	return a
}

func (a *Allowlist) Authenticate(ctx context.Context, creds Credentials) (*Identity, error) {
	creds.Username = NormalizeUsername(creds.Username)
	if creds.Username == "" {
		return nil, ErrAuthFailure
	}
	if len(a.allowed) > 0 && !a.allowed[creds.Username] {
		return nil, ErrAuthFailure
	}
	identity, err := a.inner.Authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}
	if a.admins[identity.Username] {
		identity.Admin = true
	}
	return identity, nil
}
