package hub

import (
	"context"
	"time"

	"github.com/spawnhub/spawnhub/spawner"
)

// RunCuller periodically stops servers idle past the configured threshold.
// It blocks until ctx is cancelled; when no idle timeout is configured it
// returns immediately. Culling goes through EnsureStopped, so it takes the
// same per-key lock as EnsureRunning and cannot race a concurrent start for
// the same key.
func (o *Orchestrator) RunCuller(ctx context.Context) {
	if o.idleTimeout <= 0 {
		return
	}

	o.logger.Info("Idle culler started", "idleTimeout", o.idleTimeout, "interval", o.cullInterval)
	ticker := time.NewTicker(o.cullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Idle culler stopping")
			return
		case <-ticker.C:
			o.cullIdle(ctx)
		}
	}
}

func (o *Orchestrator) cullIdle(ctx context.Context) {
	cutoff := time.Now().Add(-o.idleTimeout).UnixNano()

	o.mu.Lock()
	candidates := make([]*serverEntry, 0, len(o.entries))
	for _, e := range o.entries {
		candidates = append(candidates, e)
	}
	o.mu.Unlock()

	for _, e := range candidates {
		if e.lastActivity.Load() > cutoff {
			continue
		}

		// Snapshot under the key lock; the entry may have changed since the scan.
		e.mu.Lock()
		running := e.proc != nil && e.proc.State() == spawner.StateRunning
		idle := e.lastActivity.Load() <= cutoff
		e.mu.Unlock()
		if !running || !idle {
			continue
		}

		o.logger.Info("Culling idle server", "key", spawner.Key(e.username, e.serverName),
			"idle", time.Since(time.Unix(0, e.lastActivity.Load())).Round(time.Second))
		if _, err := o.EnsureStopped(ctx, e.username, e.serverName); err != nil {
			o.logger.Error("Failed to cull idle server",
				"key", spawner.Key(e.username, e.serverName), "error", err)
		}
	}
}
