package spawner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readyChecker reports a backend ready without touching the network, so tests
// can use plain sleep commands as backends.
type readyChecker struct{}

func (readyChecker) Check(ctx context.Context, baseURL string) error { return nil }

// neverReadyChecker reports a backend that never answers.
type neverReadyChecker struct{}

func (neverReadyChecker) Check(ctx context.Context, baseURL string) error {
	return errors.New("connection refused")
}

func newTestSpawner(t *testing.T, command []string, checker HealthChecker, startupTimeout time.Duration) *LocalSpawner {
	t.Helper()
	ports, err := NewPortManager(19400, 19499)
	require.NoError(t, err)
	s, err := NewLocalSpawner(LocalConfig{
		Command:        command,
		Ports:          ports,
		Checker:        checker,
		StartupTimeout: startupTimeout,
		PollInterval:   20 * time.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func TestLocalSpawnerStartAndStop(t *testing.T) {
	s := newTestSpawner(t, []string{"/bin/sh", "-c", "sleep 60"}, readyChecker{}, 5*time.Second)
	ctx := context.Background()

	proc, err := s.Start(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, proc.State())
	assert.NotZero(t, proc.PID)
	assert.Contains(t, proc.URL, "http://127.0.0.1:194")

	alive, _ := s.Poll(proc)
	assert.True(t, alive)
	assert.Len(t, s.Enumerate(), 1)

	require.NoError(t, s.Stop(ctx, proc, 5*time.Second))
	assert.Equal(t, StateStopped, proc.State())

	alive, _ = s.Poll(proc)
	assert.False(t, alive)
	assert.Empty(t, s.Enumerate())
}

func TestLocalSpawnerBackendExitsDuringStartup(t *testing.T) {
	s := newTestSpawner(t, []string{"/bin/sh", "-c", "exit 3"}, neverReadyChecker{}, 5*time.Second)

	proc, err := s.Start(context.Background(), "alice", "")
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Contains(t, spawnErr.Reason, "exited during startup")
	assert.Equal(t, StateFailed, proc.State())
	assert.Equal(t, 3, proc.ExitCode())
}

func TestLocalSpawnerStartupTimeout(t *testing.T) {
	s := newTestSpawner(t, []string{"/bin/sh", "-c", "sleep 60"}, neverReadyChecker{}, 150*time.Millisecond)

	start := time.Now()
	proc, err := s.Start(context.Background(), "alice", "")
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Contains(t, spawnErr.Reason, "timed out")
	assert.Equal(t, StateFailed, proc.State())
	assert.Less(t, time.Since(start), 5*time.Second, "timeout must not wait for the backend")
}

func TestLocalSpawnerLaunchFailure(t *testing.T) {
	s := newTestSpawner(t, []string{"/nonexistent/backend"}, readyChecker{}, time.Second)

	proc, err := s.Start(context.Background(), "alice", "")
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, StateFailed, proc.State())
}

func TestLocalSpawnerPlaceholdersAndEnv(t *testing.T) {
	// The backend verifies its own argv substitution and environment, exiting
	// nonzero on any mismatch, which Start reports as a startup failure.
	command := []string{"/bin/sh", "-c",
		`[ "{username}" = alice ] && [ "{servername}" = gpu ] && [ "$SPAWNHUB_USER" = alice ] && [ "$SPAWNHUB_SERVER_NAME" = gpu ] && [ "$PORT" = "{port}" ] && sleep 60`}
	s := newTestSpawner(t, command, readyChecker{}, 5*time.Second)

	proc, err := s.Start(context.Background(), "alice", "gpu")
	require.NoError(t, err)
	assert.Equal(t, "alice/gpu", proc.Key())

	require.NoError(t, s.Stop(context.Background(), proc, 5*time.Second))
}

func TestLocalSpawnerSpawnEnvHook(t *testing.T) {
	ports, err := NewPortManager(19510, 19519)
	require.NoError(t, err)
	s, err := NewLocalSpawner(LocalConfig{
		Command:        []string{"/bin/sh", "-c", `[ "$SPAWNHUB_API_TOKEN" = "tok-alice" ] && sleep 60`},
		Ports:          ports,
		Checker:        readyChecker{},
		StartupTimeout: 5 * time.Second,
		PollInterval:   20 * time.Millisecond,
		SpawnEnv: func(ctx context.Context, username, serverName string) (map[string]string, error) {
			return map[string]string{"SPAWNHUB_API_TOKEN": "tok-" + username}, nil
		},
	})
	require.NoError(t, err)

	proc, err := s.Start(context.Background(), "alice", "")
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background(), proc, 5*time.Second))
}

func TestLocalSpawnerSpawnEnvFailureFailsStart(t *testing.T) {
	ports, err := NewPortManager(19520, 19529)
	require.NoError(t, err)
	s, err := NewLocalSpawner(LocalConfig{
		Command: []string{"/bin/sh", "-c", "sleep 60"},
		Ports:   ports,
		Checker: readyChecker{},
		SpawnEnv: func(ctx context.Context, username, serverName string) (map[string]string, error) {
			return nil, errors.New("token store offline")
		},
	})
	require.NoError(t, err)

	proc, err := s.Start(context.Background(), "alice", "")
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, StateFailed, proc.State())
}

func TestLocalSpawnerStopAfterExitIsNoop(t *testing.T) {
	s := newTestSpawner(t, []string{"/bin/sh", "-c", "sleep 60"}, readyChecker{}, 5*time.Second)
	ctx := context.Background()

	proc, err := s.Start(ctx, "alice", "")
	require.NoError(t, err)
	require.NoError(t, s.Stop(ctx, proc, 5*time.Second))

	// Second stop finds nothing to do.
	require.NoError(t, s.Stop(ctx, proc, 5*time.Second))
	assert.Equal(t, StateStopped, proc.State())
}

func TestLocalSpawnerStopDuringExitIsStopped(t *testing.T) {
	// The backend ignores SIGTERM and exits on its own shortly after the
	// stop request, landing in the window between the request and the exit
	// watcher's verdict.
	s := newTestSpawner(t, []string{"/bin/sh", "-c", "trap '' TERM; sleep 0.2"}, readyChecker{}, 5*time.Second)
	ctx := context.Background()

	proc, err := s.Start(ctx, "alice", "")
	require.NoError(t, err)

	require.NoError(t, s.Stop(ctx, proc, 5*time.Second))
	assert.Equal(t, StateStopped, proc.State(), "an exit after a stop request is a stop, not a crash")
}

func TestLocalSpawnerStopRacesNaturalExit(t *testing.T) {
	s := newTestSpawner(t, []string{"/bin/sh", "-c", "sleep 0.1"}, readyChecker{}, 5*time.Second)
	ctx := context.Background()

	// Stop lands right around the natural exit. Whichever side wins, Stop
	// returns nil and the process settles in a terminal state.
	for i := 0; i < 5; i++ {
		proc, err := s.Start(ctx, "alice", "")
		require.NoError(t, err)

		time.Sleep(time.Duration(80+10*i) * time.Millisecond)
		require.NoError(t, s.Stop(ctx, proc, 5*time.Second))

		st := proc.State()
		assert.Contains(t, []ProcessState{StateStopped, StateFailed}, st)
		assert.NotEqual(t, StateStopping, st)
	}
}

func TestLocalSpawnerUnexpectedExitIsFailed(t *testing.T) {
	s := newTestSpawner(t, []string{"/bin/sh", "-c", "sleep 0.1"}, readyChecker{}, 5*time.Second)

	proc, err := s.Start(context.Background(), "alice", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		alive, _ := s.Poll(proc)
		return !alive
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, StateFailed, proc.State(), "an exit nobody asked for is a failure")
}

func TestLocalSpawnerReleasesPortAfterExit(t *testing.T) {
	ports, err := NewPortManager(19500, 19500)
	require.NoError(t, err)
	s, err := NewLocalSpawner(LocalConfig{
		Command:        []string{"/bin/sh", "-c", "sleep 60"},
		Ports:          ports,
		Checker:        readyChecker{},
		StartupTimeout: 5 * time.Second,
		PollInterval:   20 * time.Millisecond,
	})
	require.NoError(t, err)
	ctx := context.Background()

	proc, err := s.Start(ctx, "alice", "")
	require.NoError(t, err)
	require.NoError(t, s.Stop(ctx, proc, 5*time.Second))

	// The single port in the range must be usable for the next spawn.
	proc2, err := s.Start(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, proc.URL, proc2.URL)
	require.NoError(t, s.Stop(ctx, proc2, 5*time.Second))
}

func TestProcessStateStrings(t *testing.T) {
	cases := map[ProcessState]string{
		StateUnknown:      "Unknown",
		StateStarting:     "Starting",
		StateRunning:      "Running",
		StateStopping:     "Stopping",
		StateStopped:      "Stopped",
		StateFailed:       "Failed",
		ProcessState(999): "InvalidState",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "alice", Key("alice", ""))
	assert.Equal(t, "alice/gpu", Key("alice", "gpu"))
}

func TestSpawnErrorMessage(t *testing.T) {
	err := &SpawnError{Username: "alice", ServerName: "gpu", Reason: "startup timed out after 30s"}
	assert.Equal(t, "spawn failed for alice/gpu: startup timed out after 30s", err.Error())

	inner := errors.New("no such file")
	wrapped := &SpawnError{Username: "bob", Reason: "failed to launch subprocess", Err: inner}
	assert.ErrorIs(t, wrapped, inner)
}
