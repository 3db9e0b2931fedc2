package hub

import (
	"context"
	"fmt"
	"strings"

	"github.com/spawnhub/spawnhub/spawner"
)

// Reconcile repairs the invariant "a route exists iff its server is Running"
// against the proxy's table, which is the source of truth after any gap in
// connectivity. It runs at hub startup before traffic is accepted, and again
// whenever the proxy gate needs clearing.
//
// After a hub restart there is no memory of prior process handles; processes
// are re-adopted from the spawner when the variant supports enumeration, and
// every route pointing at anything else is removed. Conflicts are logged and
// repaired, never fatal.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	if en, ok := o.spawner.(spawner.Enumerator); ok {
		for _, proc := range en.Enumerate() {
			if proc.State() != spawner.StateRunning {
				continue
			}
			e := o.entry(proc.Username, proc.ServerName)
			e.mu.Lock()
			if e.proc == nil {
				o.logger.Info("Adopted running server from spawner", "key", proc.Key(), "url", proc.URL)
				e.proc = proc
			}
			e.mu.Unlock()
		}
	}

	routes, err := o.proxy.ListRoutes(ctx)
	if err != nil {
		o.noteProxyError(err)
		return fmt.Errorf("failed to list proxy routes: %w", err)
	}

	// Desired table from tracked Running processes.
	desired := make(map[string]string)
	o.mu.Lock()
	entries := make([]*serverEntry, 0, len(o.entries))
	for _, e := range o.entries {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.proc != nil && e.proc.State() == spawner.StateRunning {
			desired[e.prefix] = e.proc.URL
		} else {
			e.routed = false
		}
		e.mu.Unlock()
	}

	// Stale or wrong routes come out first.
	for prefix, target := range routes {
		if !strings.HasPrefix(prefix, "/user/") {
			continue // not hub-managed (e.g. the proxy's default route)
		}
		want, ok := desired[prefix]
		if ok && want == target {
			continue
		}
		o.logger.Warn("Reconciliation conflict: removing stale route",
			"prefix", prefix, "target", target)
		if err := o.proxy.RemoveRoute(ctx, prefix); err != nil {
			o.noteProxyError(err)
			return fmt.Errorf("failed to remove stale route %s: %w", prefix, err)
		}
	}

	// Running servers missing their route get it back.
	for prefix, target := range desired {
		if existing, ok := routes[prefix]; ok && existing == target {
			o.markRouted(prefix, true)
			continue
		}
		o.logger.Warn("Reconciliation conflict: re-adding missing route",
			"prefix", prefix, "target", target)
		if err := o.proxy.AddRoute(ctx, prefix, target); err != nil {
			o.noteProxyError(err)
			return fmt.Errorf("failed to re-add route %s: %w", prefix, err)
		}
		o.markRouted(prefix, true)
	}

	o.proxyHealthy.Store(true)
	o.logger.Info("Reconciliation complete", "routes", len(desired))
	return nil
}

// markRouted updates the route mirror for the entry owning prefix.
func (o *Orchestrator) markRouted(prefix string, routed bool) {
	username, serverName, ok := parsePrefix(prefix)
	if !ok {
		return
	}
	o.mu.Lock()
	e, exists := o.entries[spawner.Key(username, serverName)]
	o.mu.Unlock()
	if !exists {
		return
	}
	e.mu.Lock()
	e.routed = routed
	e.mu.Unlock()
}
