package hub

import (
	"context"
	"time"

	"github.com/spawnhub/spawnhub/spawner"
)

// RunMonitor periodically polls every tracked backend and removes the route
// of any that has left Running, so a backend that crashes on its own does not
// leave the proxy pointing at a dead target. It blocks until ctx is cancelled.
func (o *Orchestrator) RunMonitor(ctx context.Context) {
	o.logger.Info("Backend monitor started", "interval", o.monitorInterval)
	ticker := time.NewTicker(o.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Backend monitor stopping")
			return
		case <-ticker.C:
			o.checkBackends(ctx)
		}
	}
}

// checkBackends is one monitor pass. Entries whose key lock is held are
// skipped rather than waited on: an in-flight EnsureRunning or EnsureStopped
// is already moving that key toward a consistent state, and the next pass
// will see the result.
func (o *Orchestrator) checkBackends(ctx context.Context) {
	o.mu.Lock()
	entries := make([]*serverEntry, 0, len(o.entries))
	for _, e := range o.entries {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	for _, e := range entries {
		if !e.mu.TryLock() {
			continue
		}
		o.checkBackendLocked(ctx, e)
		e.mu.Unlock()
	}
}

// checkBackendLocked repairs one entry under its key lock: a routed backend
// that is no longer Running loses its route.
func (o *Orchestrator) checkBackendLocked(ctx context.Context, e *serverEntry) {
	if e.proc == nil || !e.routed {
		return
	}
	alive, exitCode := o.spawner.Poll(e.proc)
	if alive && e.proc.State() == spawner.StateRunning {
		return
	}

	o.logger.Warn("Backend no longer running, removing route",
		"key", e.proc.Key(), "state", e.proc.State().String(), "exitCode", exitCode)
	if err := o.proxy.RemoveRoute(ctx, e.prefix); err != nil {
		o.noteProxyError(err)
		o.logger.Error("Failed to remove route for dead backend", "prefix", e.prefix, "error", err)
		return
	}
	e.routed = false
}
