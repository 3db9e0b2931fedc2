package hub

import (
	"context"
	"fmt"

	"github.com/spawnhub/spawnhub/auth"
)

// LoginResult is what a successful login produces: the resolved user, a
// short-lived access token when the hub issues them, and the base URL of the
// user's now-running default server.
type LoginResult struct {
	Username    string `json:"username"`
	Admin       bool   `json:"admin"`
	AccessToken string `json:"access_token,omitempty"`
	ServerURL   string `json:"server_url"`
	RoutePrefix string `json:"route_prefix"`
}

// Login is the documented login-triggers-spawn flow as one explicit
// operation: resolve the identity, create the persistent user on first
// login, then ensure the default server is running and routed. Credentials
// are never retained; only the resulting identity is.
func (o *Orchestrator) Login(ctx context.Context, creds auth.Credentials) (*LoginResult, error) {
	if o.authenticator == nil {
		return nil, fmt.Errorf("no authenticator configured")
	}

	identity, err := o.authenticator.Authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}

	if o.users != nil {
		user, created, err := o.users.GetOrCreate(ctx, identity.Username, identity.Admin)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve user record: %w", err)
		}
		if created {
			o.logger.Info("Created user on first login", "username", user.Name)
		}
	}

	url, _, err := o.EnsureRunning(ctx, identity.Username, "")
	if err != nil {
		return nil, err
	}

	result := &LoginResult{
		Username:    identity.Username,
		Admin:       identity.Admin,
		ServerURL:   url,
		RoutePrefix: RoutePrefix(identity.Username, ""),
	}
	if o.tokens != nil {
		token, err := o.tokens.Issue(identity.Username, identity.Admin)
		if err != nil {
			return nil, err
		}
		result.AccessToken = token
	}
	return result, nil
}
