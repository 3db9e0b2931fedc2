// Package hub contains the orchestration core: the single authority that maps
// authenticated users to lifecycle-managed backend processes and keeps the
// external proxy's routing table consistent with what is actually running.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spawnhub/spawnhub/auth"
	"github.com/spawnhub/spawnhub/proxy"
	"github.com/spawnhub/spawnhub/spawner"
	"github.com/spawnhub/spawnhub/state"
)

const (
	defaultStopGrace       = 10 * time.Second
	defaultCullInterval    = 60 * time.Second
	defaultMonitorInterval = 15 * time.Second
)

// RouteTable is the slice of the proxy admin API the orchestrator drives.
// Implemented by proxy.Client; faked in tests.
type RouteTable interface {
	AddRoute(ctx context.Context, prefix, targetURL string) error
	RemoveRoute(ctx context.Context, prefix string) error
	ListRoutes(ctx context.Context) (map[string]string, error)
}

// Config holds the collaborators and policy knobs for the Orchestrator.
type Config struct {
	Spawner       spawner.Spawner
	Proxy         RouteTable
	Authenticator auth.Authenticator
	Users         *state.UserStore // optional; Login requires it
	Tokens        *TokenIssuer     // optional; Login issues access tokens when set
	Logger        *slog.Logger

	// StopGrace is passed to Spawner.Stop. Defaults to 10s.
	StopGrace time.Duration
	// IdleTimeout stops servers with no recorded activity for this long.
	// Zero disables idle culling.
	IdleTimeout time.Duration
	// CullInterval is how often the culler scans. Defaults to 60s.
	CullInterval time.Duration
	// MonitorInterval is how often backend liveness is checked. A routed
	// backend that has left Running loses its route. Defaults to 15s.
	MonitorInterval time.Duration
}

// Orchestrator is the hub core. It is the only component that calls
// Spawner.Start/Stop and RouteTable.AddRoute/RemoveRoute, and it serializes
// those effects so a route is added only after a start reports Running and
// removed before (or regardless of) the stop.
type Orchestrator struct {
	spawner       spawner.Spawner
	proxy         RouteTable
	authenticator auth.Authenticator
	users         *state.UserStore
	tokens        *TokenIssuer
	logger        *slog.Logger

	stopGrace       time.Duration
	idleTimeout     time.Duration
	cullInterval    time.Duration
	monitorInterval time.Duration

	mu      sync.Mutex
	entries map[string]*serverEntry

	// proxyHealthy gates new route additions: adding routes while the proxy
	// is unreachable would silently fail to take effect.
	proxyHealthy atomic.Bool
}

// serverEntry tracks one (user, server-name) pair. Its mutex is the per-key
// lock required by the concurrency model: concurrent EnsureRunning calls for
// the same key serialize here and coalesce into one spawn, while unrelated
// keys proceed independently.
type serverEntry struct {
	mu sync.Mutex

	username   string
	serverName string
	prefix     string

	proc   *spawner.ServerProcess
	routed bool // advisory mirror of the proxy table for this prefix

	lastActivity atomic.Int64 // unix nanos; written by Touch without the key lock
}

func (e *serverEntry) touch() {
	e.lastActivity.Store(time.Now().UnixNano())
}

// NewOrchestrator creates the hub core. Reconcile must be run before the hub
// accepts traffic so the proxy table and spawner state agree.
func NewOrchestrator(config Config) (*Orchestrator, error) {
	if config.Spawner == nil {
		return nil, fmt.Errorf("spawner is required")
	}
	if config.Proxy == nil {
		return nil, fmt.Errorf("proxy route table is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stopGrace := config.StopGrace
	if stopGrace == 0 {
		stopGrace = defaultStopGrace
	}
	cullInterval := config.CullInterval
	if cullInterval == 0 {
		cullInterval = defaultCullInterval
	}
	monitorInterval := config.MonitorInterval
	if monitorInterval == 0 {
		monitorInterval = defaultMonitorInterval
	}

	o := &Orchestrator{
		spawner:         config.Spawner,
		proxy:           config.Proxy,
		authenticator:   config.Authenticator,
		users:           config.Users,
		tokens:          config.Tokens,
		logger:          logger.With("component", "Orchestrator"),
		stopGrace:       stopGrace,
		idleTimeout:     config.IdleTimeout,
		cullInterval:    cullInterval,
		monitorInterval: monitorInterval,
		entries:         make(map[string]*serverEntry),
	}
	o.proxyHealthy.Store(true)
	return o, nil
}

// RoutePrefix returns the proxy path prefix for a user's server:
// /user/<name> for the default server, /user/<name>/<server> for named ones.
func RoutePrefix(username, serverName string) string {
	if serverName == "" {
		return "/user/" + username
	}
	return "/user/" + username + "/" + serverName
}

// parsePrefix inverts RoutePrefix. ok is false for prefixes the hub does not
// manage.
func parsePrefix(prefix string) (username, serverName string, ok bool) {
	rest, found := strings.CutPrefix(prefix, "/user/")
	if !found || rest == "" {
		return "", "", false
	}
	if user, server, hasServer := strings.Cut(rest, "/"); hasServer {
		return user, server, user != "" && server != "" && !strings.Contains(server, "/")
	}
	return rest, "", true
}

// entry returns the tracking record for a key, creating it on first use.
func (o *Orchestrator) entry(username, serverName string) *serverEntry {
	key := spawner.Key(username, serverName)

	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.entries[key]
	if !ok {
		e = &serverEntry{
			username:   username,
			serverName: serverName,
			prefix:     RoutePrefix(username, serverName),
		}
		e.touch()
		o.entries[key] = e
	}
	return e
}

// EnsureRunning brings the (username, serverName) backend to Running with a
// registered route and returns its base URL. started reports whether this
// call performed the transition; a false return with nil error is the
// idempotent already-running case.
//
// Callers racing on the same key block on the key lock and observe the first
// caller's outcome rather than spawning a second instance. The spawn itself
// is detached from the caller's cancellation: a client that disconnects
// mid-spawn leaves a consistent, fully started server for the next request.
func (o *Orchestrator) EnsureRunning(ctx context.Context, username, serverName string) (url string, started bool, err error) {
	e := o.entry(username, serverName)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.touch()

	if e.proc != nil && e.proc.State() == spawner.StateRunning {
		if !e.routed {
			// Route lost (e.g. proxy restart); repair before reporting success.
			if err := o.proxy.AddRoute(ctx, e.prefix, e.proc.URL); err != nil {
				o.noteProxyError(err)
				return "", false, fmt.Errorf("failed to re-add route %s: %w", e.prefix, err)
			}
			e.routed = true
		}
		return e.proc.URL, false, nil
	}

	if !o.proxyHealthy.Load() {
		return "", false, fmt.Errorf("refusing to start %s: %w", spawner.Key(username, serverName), proxy.ErrProxyUnreachable)
	}

	spawnCtx := context.WithoutCancel(ctx)

	proc, err := o.spawner.Start(spawnCtx, username, serverName)
	if err != nil {
		e.proc = proc // may be nil; a Failed proc is kept for diagnostics
		o.logger.Error("Spawn failed", "key", spawner.Key(username, serverName), "error", err)
		return "", false, err
	}
	e.proc = proc

	if err := o.proxy.AddRoute(spawnCtx, e.prefix, proc.URL); err != nil {
		o.noteProxyError(err)
		o.logger.Error("Route add failed after spawn, stopping orphan backend",
			"key", proc.Key(), "prefix", e.prefix, "error", err)
		if stopErr := o.spawner.Stop(spawnCtx, proc, o.stopGrace); stopErr != nil {
			o.logger.Error("Failed to stop orphan backend", "key", proc.Key(), "error", stopErr)
		}
		e.proc = nil
		return "", false, fmt.Errorf("failed to add route %s: %w", e.prefix, err)
	}
	e.routed = true

	o.logger.Info("Server running", "key", proc.Key(), "url", proc.URL, "prefix", e.prefix)
	return proc.URL, true, nil
}

// EnsureStopped brings the (username, serverName) backend down. The route is
// removed first (best-effort: a removal failure is logged and left to
// reconciliation, never blocks the stop), then the spawner confirms the stop.
// stopped reports whether this call performed a transition.
func (o *Orchestrator) EnsureStopped(ctx context.Context, username, serverName string) (stopped bool, err error) {
	e := o.entry(username, serverName)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.routed {
		if err := o.proxy.RemoveRoute(ctx, e.prefix); err != nil {
			o.noteProxyError(err)
			o.logger.Warn("Route removal failed, continuing with stop", "prefix", e.prefix, "error", err)
		} else {
			e.routed = false
		}
	}

	if e.proc == nil {
		return false, nil
	}
	switch e.proc.State() {
	case spawner.StateStopped, spawner.StateFailed:
		e.proc = nil
		return false, nil
	}

	if err := o.spawner.Stop(ctx, e.proc, o.stopGrace); err != nil {
		return false, err
	}

	o.logger.Info("Server stopped", "key", e.proc.Key())
	e.proc = nil
	return true, nil
}

// Touch records activity for a key, feeding the idle culler. It does not take
// the key lock, so it never blocks behind an in-flight spawn.
func (o *Orchestrator) Touch(username, serverName string) {
	o.mu.Lock()
	e, ok := o.entries[spawner.Key(username, serverName)]
	o.mu.Unlock()
	if ok {
		e.touch()
	}
}

// ServerInfo is a point-in-time view of one tracked server.
type ServerInfo struct {
	Username     string               `json:"username"`
	ServerName   string               `json:"server_name,omitempty"`
	URL          string               `json:"url,omitempty"`
	State        spawner.ProcessState `json:"-"`
	StateName    string               `json:"state"`
	Routed       bool                 `json:"routed"`
	StartedAt    time.Time            `json:"started_at"`
	LastActivity time.Time            `json:"last_activity"`
}

// ListServers returns a snapshot of every tracked server that currently has a
// process, running or terminal.
func (o *Orchestrator) ListServers() []ServerInfo {
	o.mu.Lock()
	entries := make([]*serverEntry, 0, len(o.entries))
	for _, e := range o.entries {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	infos := make([]ServerInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.proc != nil {
			st := e.proc.State()
			infos = append(infos, ServerInfo{
				Username:     e.username,
				ServerName:   e.serverName,
				URL:          e.proc.URL,
				State:        st,
				StateName:    st.String(),
				Routed:       e.routed,
				StartedAt:    e.proc.StartedAt(),
				LastActivity: time.Unix(0, e.lastActivity.Load()),
			})
		}
		e.mu.Unlock()
	}
	return infos
}

// noteProxyError flips the systemic gate when the proxy retry budget is
// exhausted. Reconcile clears it.
func (o *Orchestrator) noteProxyError(err error) {
	if errors.Is(err, proxy.ErrProxyUnreachable) {
		o.proxyHealthy.Store(false)
	}
}

// ProxyHealthy reports whether route additions are currently allowed.
func (o *Orchestrator) ProxyHealthy() bool {
	return o.proxyHealthy.Load()
}

// Shutdown drains the hub: every running server is stopped through the normal
// EnsureStopped path so routes come out of the proxy first.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	entries := make([]*serverEntry, 0, len(o.entries))
	for _, e := range o.entries {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *serverEntry) {
			defer wg.Done()
			if _, err := o.EnsureStopped(ctx, e.username, e.serverName); err != nil {
				o.logger.Error("Error stopping server during shutdown",
					"key", spawner.Key(e.username, e.serverName), "error", err)
			}
		}(e)
	}
	wg.Wait()
	o.logger.Info("All servers stopped")
}
