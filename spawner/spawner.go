// Package spawner provides the capability for creating, monitoring and
// terminating per-user backend server processes. The concrete variant is
// selected at hub construction time; the orchestrator only ever dispatches
// through the Spawner interface.
package spawner

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ProcessState represents the lifecycle state of a ServerProcess.
type ProcessState int

const (
	// StateUnknown means the process state is not yet determined.
	StateUnknown ProcessState = iota
	// StateStarting means the process has been launched but is not yet reachable.
	StateStarting
	// StateRunning means the process is running and answered a readiness check.
	StateRunning
	// StateStopping means a stop has been requested and is in progress.
	StateStopping
	// StateStopped means the process exited after a requested stop. Terminal.
	StateStopped
	// StateFailed means the process failed to start or exited unexpectedly. Terminal.
	StateFailed
)

// String returns a string representation of the ProcessState.
func (s ProcessState) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return "InvalidState"
	}
}

// ServerProcess represents one running per-user backend instance. It is owned
// by the Spawner that created it; the orchestrator holds a reference for
// routing decisions but drives the lifecycle only through the Spawner.
//
// Stopped and Failed are terminal: a new Start call creates a fresh
// ServerProcess rather than resurrecting an old one.
type ServerProcess struct {
	Username   string // Owning user.
	ServerName string // Empty for the user's default server.
	URL        string // Reachable base URL, e.g. http://127.0.0.1:9001.
	PID        int    // Opaque process handle; zero for non-local variants.

	mu        sync.Mutex
	state     ProcessState
	startedAt time.Time
	exitCode  int
}

// Key returns the lookup key for this process: the username for the default
// server, username/servername for named servers.
func (p *ServerProcess) Key() string {
	return Key(p.Username, p.ServerName)
}

// Key builds the (user, server-name) lookup key used across the hub.
func Key(username, serverName string) string {
	if serverName == "" {
		return username
	}
	return username + "/" + serverName
}

// State returns the current lifecycle state thread-safely.
func (p *ServerProcess) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState transitions the process to newState thread-safely.
func (p *ServerProcess) SetState(newState ProcessState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = newState
}

// StartedAt returns the launch time of this process.
func (p *ServerProcess) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// ExitCode returns the recorded exit code. Only meaningful once the process
// is Stopped or Failed.
func (p *ServerProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *ServerProcess) setExit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitCode = code
}

// Spawner creates, monitors and terminates ServerProcesses. Start must be safe
// to call once per (user, server-name) key while none is Running or Starting;
// the orchestrator serializes callers per key, so implementations never see
// concurrent Start calls for the same key.
type Spawner interface {
	// Start launches a backend for the given key and blocks until the process
	// answers a readiness check or the configured startup timeout elapses.
	// On timeout or launch failure it returns a *SpawnError and the returned
	// process, if any, is Failed.
	Start(ctx context.Context, username, serverName string) (*ServerProcess, error)

	// Poll is a non-blocking liveness check. When alive is false, exitCode
	// holds the recorded exit status.
	Poll(p *ServerProcess) (alive bool, exitCode int)

	// Stop attempts a graceful shutdown and escalates to forced termination
	// once grace elapses. The process is Stopped when Stop returns nil.
	Stop(ctx context.Context, p *ServerProcess, grace time.Duration) error
}

// Enumerator is implemented by Spawner variants that can list the processes
// they currently track. The orchestrator uses it during startup
// reconciliation when available.
type Enumerator interface {
	Enumerate() []*ServerProcess
}

// SpawnError reports a failed start: timeout, resource exhaustion, or a
// backend crash during startup.
type SpawnError struct {
	Username   string
	ServerName string
	Reason     string
	Err        error
}

func (e *SpawnError) Error() string {
	msg := fmt.Sprintf("spawn failed for %s: %s", Key(e.Username, e.ServerName), e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SpawnError) Unwrap() error { return e.Err }

// StopError reports a backend that could not be terminated even after
// escalation to a forced kill.
type StopError struct {
	Username   string
	ServerName string
	Err        error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("stop failed for %s: %v", Key(e.Username, e.ServerName), e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }
