// Package handlers exposes the hub's admin/REST surface. Every mutating
// endpoint maps 1:1 to an orchestrator EnsureRunning/EnsureStopped call and
// reports whether it transitioned state (201) or found the desired state
// already in place (200).
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/spawnhub/spawnhub/auth"
	"github.com/spawnhub/spawnhub/hub"
	"github.com/spawnhub/spawnhub/internal/httputils"
	"github.com/spawnhub/spawnhub/proxy"
	"github.com/spawnhub/spawnhub/spawner"
	"github.com/spawnhub/spawnhub/state"
)

// API wires the orchestrator and stores into an http.Handler.
type API struct {
	orch       *hub.Orchestrator
	users      *state.UserStore
	tokens     *state.TokenStore
	issuer     *hub.TokenIssuer
	adminToken string
	logger     *slog.Logger
}

// Config holds the API's collaborators.
type Config struct {
	Orchestrator *hub.Orchestrator
	Users        *state.UserStore
	Tokens       *state.TokenStore
	Issuer       *hub.TokenIssuer
	// AdminToken is the static operator token from configuration.
	AdminToken string
	Logger     *slog.Logger
}

// New creates the admin API.
func New(config Config) *API {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		orch:       config.Orchestrator,
		users:      config.Users,
		tokens:     config.Tokens,
		issuer:     config.Issuer,
		adminToken: config.AdminToken,
		logger:     logger.With("component", "API"),
	}
}

// principal is the resolved caller of an authenticated request.
type principal struct {
	Name  string
	Admin bool
}

// canActOn reports whether the caller may manage resources owned by username.
func (p principal) canActOn(username string) bool {
	return p.Admin || p.Name == username
}

// Handler builds the route table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /hub/login", a.handleLogin)
	mux.HandleFunc("GET /api/status", a.handleStatus)

	mux.HandleFunc("GET /api/users", a.withAuth(a.handleListUsers))
	mux.HandleFunc("POST /api/users", a.withAuth(a.handleCreateUser))
	mux.HandleFunc("DELETE /api/users/{name}", a.withAuth(a.handleDeleteUser))

	mux.HandleFunc("POST /api/users/{name}/server", a.withAuth(a.handleStartServer))
	mux.HandleFunc("DELETE /api/users/{name}/server", a.withAuth(a.handleStopServer))
	mux.HandleFunc("POST /api/users/{name}/servers/{server}", a.withAuth(a.handleStartServer))
	mux.HandleFunc("DELETE /api/users/{name}/servers/{server}", a.withAuth(a.handleStopServer))

	mux.HandleFunc("GET /api/servers", a.withAuth(a.handleListServers))

	mux.HandleFunc("POST /api/tokens", a.withAuth(a.handleIssueToken))
	mux.HandleFunc("GET /api/tokens", a.withAuth(a.handleListTokens))
	mux.HandleFunc("DELETE /api/tokens/{id}", a.withAuth(a.handleRevokeToken))

	return mux
}

// authorize resolves the request's bearer credential: the static admin token,
// a stored API token, or a JWT access token, in that order.
func (a *API) authorize(r *http.Request) (*principal, error) {
	header := r.Header.Get("Authorization")
	var token string
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimPrefix(header, "Bearer ")
	case strings.HasPrefix(header, "token "):
		token = strings.TrimPrefix(header, "token ")
	default:
		return nil, fmt.Errorf("missing bearer token")
	}

	if a.adminToken != "" && token == a.adminToken {
		return &principal{Name: "admin-token", Admin: true}, nil
	}

	if a.tokens != nil {
		if record, err := a.tokens.Lookup(r.Context(), token); err == nil {
			admin := false
			if a.users != nil {
				if user, err := a.users.Get(r.Context(), record.UserName); err == nil {
					admin = user.Admin
				}
			}
			return &principal{Name: record.UserName, Admin: admin}, nil
		}
	}

	if a.issuer != nil {
		if claims, err := a.issuer.Validate(token); err == nil {
			return &principal{Name: claims.Username, Admin: claims.Admin}, nil
		}
	}

	return nil, fmt.Errorf("invalid token")
}

func (a *API) withAuth(next func(http.ResponseWriter, *http.Request, principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := a.authorize(r)
		if err != nil {
			httputils.WriteError(w, r, http.StatusUnauthorized, err)
			return
		}
		next(w, r, *p)
	}
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	httputils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"proxy_healthy": a.orch.ProxyHealthy(),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds auth.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		httputils.WriteError(w, r, http.StatusBadRequest, fmt.Errorf("invalid login body: %w", err))
		return
	}

	result, err := a.orch.Login(r.Context(), creds)
	if err != nil {
		a.writeOrchestratorError(w, r, err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, result)
}

// writeOrchestratorError maps the error taxonomy onto response codes so a
// failed spawn is a clear error instead of a redirect loop to a dead target.
func (a *API) writeOrchestratorError(w http.ResponseWriter, r *http.Request, err error) {
	var spawnErr *spawner.SpawnError
	var stopErr *spawner.StopError
	switch {
	case errors.Is(err, auth.ErrAuthFailure):
		httputils.WriteError(w, r, http.StatusForbidden, err)
	case errors.Is(err, proxy.ErrProxyUnreachable):
		httputils.WriteError(w, r, http.StatusServiceUnavailable, err)
	case errors.As(err, &spawnErr), errors.As(err, &stopErr):
		httputils.WriteError(w, r, http.StatusInternalServerError, err)
	case errors.Is(err, state.ErrUserNotFound), errors.Is(err, state.ErrTokenNotFound):
		httputils.WriteError(w, r, http.StatusNotFound, err)
	default:
		httputils.WriteError(w, r, http.StatusInternalServerError, err)
	}
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request, p principal) {
	if !p.Admin {
		httputils.WriteError(w, r, http.StatusForbidden, fmt.Errorf("admin required"))
		return
	}
	users, err := a.users.List(r.Context())
	if err != nil {
		a.writeOrchestratorError(w, r, err)
		return
	}

	type userView struct {
		Name    string `json:"name"`
		Admin   bool   `json:"admin"`
		Created int64  `json:"created"`
	}
	views := make([]userView, len(users))
	for i, u := range users {
		views[i] = userView{Name: u.Name, Admin: u.Admin, Created: u.Created}
	}
	httputils.WriteJSON(w, http.StatusOK, views)
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request, p principal) {
	if !p.Admin {
		httputils.WriteError(w, r, http.StatusForbidden, fmt.Errorf("admin required"))
		return
	}

	var body struct {
		Name     string `json:"name"`
		Admin    bool   `json:"admin"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputils.WriteError(w, r, http.StatusBadRequest, fmt.Errorf("invalid user body: %w", err))
		return
	}
	name := auth.NormalizeUsername(body.Name)
	if name == "" {
		httputils.WriteError(w, r, http.StatusBadRequest, fmt.Errorf("user name is required"))
		return
	}

	user, err := a.users.Create(r.Context(), name, body.Admin)
	if err != nil {
		httputils.WriteError(w, r, http.StatusConflict, err)
		return
	}
	if body.Password != "" {
		hash, err := auth.HashPassword(body.Password)
		if err != nil {
			a.writeOrchestratorError(w, r, err)
			return
		}
		if err := a.users.SetPassword(r.Context(), name, hash); err != nil {
			a.writeOrchestratorError(w, r, err)
			return
		}
	}
	httputils.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"name":    user.Name,
		"admin":   user.Admin,
		"created": user.Created,
	})
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request, p principal) {
	if !p.Admin {
		httputils.WriteError(w, r, http.StatusForbidden, fmt.Errorf("admin required"))
		return
	}
	name := r.PathValue("name")

	// Every server of theirs, default and named, comes down before the
	// record goes away.
	for _, info := range a.orch.ListServers() {
		if info.Username != name {
			continue
		}
		if _, err := a.orch.EnsureStopped(r.Context(), name, info.ServerName); err != nil {
			a.writeOrchestratorError(w, r, err)
			return
		}
	}
	if err := a.tokens.DeleteForUser(r.Context(), name); err != nil {
		a.writeOrchestratorError(w, r, err)
		return
	}
	if err := a.users.Delete(r.Context(), name); err != nil {
		a.writeOrchestratorError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStartServer(w http.ResponseWriter, r *http.Request, p principal) {
	name := r.PathValue("name")
	server := r.PathValue("server")
	if !p.canActOn(name) {
		httputils.WriteError(w, r, http.StatusForbidden, fmt.Errorf("not allowed to manage servers for %s", name))
		return
	}

	url, started, err := a.orch.EnsureRunning(r.Context(), name, server)
	if err != nil {
		a.writeOrchestratorError(w, r, err)
		return
	}

	status := http.StatusOK // already in desired state
	if started {
		status = http.StatusCreated
	}
	httputils.WriteJSON(w, status, map[string]interface{}{
		"username":    name,
		"server_name": server,
		"url":         url,
		"state":       spawner.StateRunning.String(),
		"started":     started,
	})
}

func (a *API) handleStopServer(w http.ResponseWriter, r *http.Request, p principal) {
	name := r.PathValue("name")
	server := r.PathValue("server")
	if !p.canActOn(name) {
		httputils.WriteError(w, r, http.StatusForbidden, fmt.Errorf("not allowed to manage servers for %s", name))
		return
	}

	stopped, err := a.orch.EnsureStopped(r.Context(), name, server)
	if err != nil {
		a.writeOrchestratorError(w, r, err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"username":    name,
		"server_name": server,
		"state":       spawner.StateStopped.String(),
		"stopped":     stopped,
	})
}

func (a *API) handleListServers(w http.ResponseWriter, r *http.Request, p principal) {
	if !p.Admin {
		httputils.WriteError(w, r, http.StatusForbidden, fmt.Errorf("admin required"))
		return
	}
	httputils.WriteJSON(w, http.StatusOK, a.orch.ListServers())
}

func (a *API) handleIssueToken(w http.ResponseWriter, r *http.Request, p principal) {
	var body struct {
		User string `json:"user"`
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputils.WriteError(w, r, http.StatusBadRequest, fmt.Errorf("invalid token body: %w", err))
		return
	}
	owner := body.User
	if owner == "" {
		owner = p.Name
	}
	if !p.canActOn(owner) {
		httputils.WriteError(w, r, http.StatusForbidden, fmt.Errorf("not allowed to issue tokens for %s", owner))
		return
	}

	token, record, err := a.tokens.Issue(r.Context(), owner, body.Note)
	if err != nil {
		a.writeOrchestratorError(w, r, err)
		return
	}
	httputils.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"id":      record.ID,
		"user":    record.UserName,
		"token":   token, // shown once; only a fingerprint is stored
		"note":    record.Note,
		"created": record.Created,
	})
}

func (a *API) handleListTokens(w http.ResponseWriter, r *http.Request, p principal) {
	tokens, err := a.tokens.ListForUser(r.Context(), p.Name)
	if err != nil {
		a.writeOrchestratorError(w, r, err)
		return
	}

	type tokenView struct {
		ID       string `json:"id"`
		Note     string `json:"note"`
		Created  int64  `json:"created"`
		LastUsed int64  `json:"last_used"`
	}
	views := make([]tokenView, len(tokens))
	for i, t := range tokens {
		views[i] = tokenView{ID: t.ID, Note: t.Note, Created: t.Created, LastUsed: t.LastUsed}
	}
	httputils.WriteJSON(w, http.StatusOK, views)
}

func (a *API) handleRevokeToken(w http.ResponseWriter, r *http.Request, p principal) {
	id := r.PathValue("id")

	if !p.Admin {
		// Non-admins may only revoke their own tokens.
		owned, err := a.tokens.ListForUser(r.Context(), p.Name)
		if err != nil {
			a.writeOrchestratorError(w, r, err)
			return
		}
		mine := false
		for _, t := range owned {
			if t.ID == id {
				mine = true
				break
			}
		}
		if !mine {
			httputils.WriteError(w, r, http.StatusForbidden, fmt.Errorf("not allowed to revoke token %s", id))
			return
		}
	}

	if err := a.tokens.Revoke(r.Context(), id); err != nil {
		a.writeOrchestratorError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
