package spawner

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	defaultStartupTimeout = 30 * time.Second
	defaultPollInterval   = 500 * time.Millisecond
	defaultProbeTimeout   = 3 * time.Second
)

// LocalConfig holds configuration for the process-based Spawner variant.
type LocalConfig struct {
	// Command is the argv template for the backend. The placeholders
	// {username}, {servername} and {port} are substituted per spawn.
	Command []string
	// Env is appended to the subprocess environment on top of the hub's own.
	Env map[string]string
	// SpawnEnv, when set, supplies additional per-spawn environment; the hub
	// uses it to mint a fresh API token for each backend.
	SpawnEnv func(ctx context.Context, username, serverName string) (map[string]string, error)
	// WorkDir is the working directory for subprocesses. Defaults to the
	// hub's current directory.
	WorkDir string
	// Ports allocates listen ports for backends.
	Ports *PortManager
	// StartupTimeout bounds how long Start waits for a backend to become
	// reachable. Defaults to 30s.
	StartupTimeout time.Duration
	// PollInterval is the delay between readiness probes. Defaults to 500ms.
	PollInterval time.Duration
	// Checker probes backend readiness. Defaults to an HTTPHealthChecker.
	Checker HealthChecker
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// LocalSpawner launches per-user backends as OS subprocesses on the hub's
// host, one listen port per process.
type LocalSpawner struct {
	command        []string
	env            map[string]string
	spawnEnv       func(ctx context.Context, username, serverName string) (map[string]string, error)
	workDir        string
	ports          *PortManager
	startupTimeout time.Duration
	pollInterval   time.Duration
	checker        HealthChecker
	logger         *slog.Logger

	mu    sync.Mutex
	procs map[string]*localProcess // keyed by ServerProcess.Key()
	wg    sync.WaitGroup
}

// localProcess pairs a ServerProcess with the os/exec state backing it.
type localProcess struct {
	proc   *ServerProcess
	cmd    *exec.Cmd
	port   int
	exited chan struct{} // closed by the exit watcher once cmd.Wait returns

	stopRequested bool // guarded by LocalSpawner.mu
}

// NewLocalSpawner creates a process-based Spawner.
func NewLocalSpawner(config LocalConfig) (*LocalSpawner, error) {
	if len(config.Command) == 0 {
		return nil, fmt.Errorf("spawner command is required")
	}
	if config.Ports == nil {
		return nil, fmt.Errorf("port manager is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	checker := config.Checker
	if checker == nil {
		checker = NewHTTPHealthChecker(defaultProbeTimeout)
	}
	startupTimeout := config.StartupTimeout
	if startupTimeout == 0 {
		startupTimeout = defaultStartupTimeout
	}
	pollInterval := config.PollInterval
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}
	workDir := config.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current working directory: %w", err)
		}
		workDir = wd
	}

	return &LocalSpawner{
		command:        config.Command,
		env:            config.Env,
		spawnEnv:       config.SpawnEnv,
		workDir:        workDir,
		ports:          config.Ports,
		startupTimeout: startupTimeout,
		pollInterval:   pollInterval,
		checker:        checker,
		logger:         logger.With("component", "LocalSpawner"),
		procs:          make(map[string]*localProcess),
	}, nil
}

// Start launches a backend subprocess for (username, serverName) and blocks
// until it answers a readiness probe or the startup timeout elapses.
func (s *LocalSpawner) Start(ctx context.Context, username, serverName string) (*ServerProcess, error) {
	key := Key(username, serverName)

	port, err := s.ports.Allocate()
	if err != nil {
		return nil, &SpawnError{Username: username, ServerName: serverName, Reason: "port allocation failed", Err: err}
	}

	expand := strings.NewReplacer(
		"{username}", username,
		"{servername}", serverName,
		"{port}", strconv.Itoa(port),
	)
	argv := make([]string, len(s.command))
	for i, arg := range s.command {
		argv[i] = expand.Replace(arg)
	}

	proc := &ServerProcess{
		Username:   username,
		ServerName: serverName,
		URL:        fmt.Sprintf("http://127.0.0.1:%d", port),
		state:      StateStarting,
		startedAt:  time.Now(),
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.workDir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("SPAWNHUB_USER=%s", username),
		fmt.Sprintf("SPAWNHUB_SERVER_NAME=%s", serverName),
		fmt.Sprintf("PORT=%d", port),
	)
	for k, v := range s.env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if s.spawnEnv != nil {
		extra, err := s.spawnEnv(ctx, username, serverName)
		if err != nil {
			s.ports.Release(port)
			proc.SetState(StateFailed)
			return proc, &SpawnError{Username: username, ServerName: serverName, Reason: "failed to build spawn environment", Err: err}
		}
		for k, v := range extra {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		s.ports.Release(port)
		proc.SetState(StateFailed)
		return proc, &SpawnError{Username: username, ServerName: serverName, Reason: "failed to open stdout pipe", Err: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdoutPipe.Close()
		s.ports.Release(port)
		proc.SetState(StateFailed)
		return proc, &SpawnError{Username: username, ServerName: serverName, Reason: "failed to open stderr pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		s.ports.Release(port)
		proc.SetState(StateFailed)
		return proc, &SpawnError{Username: username, ServerName: serverName, Reason: "failed to launch subprocess", Err: err}
	}
	proc.PID = cmd.Process.Pid

	lp := &localProcess{proc: proc, cmd: cmd, port: port, exited: make(chan struct{})}
	s.mu.Lock()
	s.procs[key] = lp
	s.mu.Unlock()

	s.logger.Info("Subprocess launched", "key", key, "pid", proc.PID, "port", port, "command", cmd.String())

	s.wg.Add(2)
	go s.scanOutput(stdoutPipe, key, proc.PID, slog.LevelInfo)
	go s.scanOutput(stderrPipe, key, proc.PID, slog.LevelWarn)

	s.wg.Add(1)
	go s.watchExit(lp)

	if err := s.awaitReady(ctx, lp); err != nil {
		return proc, err
	}

	proc.SetState(StateRunning)
	s.logger.Info("Subprocess ready", "key", key, "pid", proc.PID, "url", proc.URL)
	return proc, nil
}

// awaitReady polls the backend URL until it answers, the process exits, or
// the startup timeout elapses.
func (s *LocalSpawner) awaitReady(ctx context.Context, lp *localProcess) error {
	key := lp.proc.Key()
	deadline := time.NewTimer(s.startupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lp.exited:
			lp.proc.SetState(StateFailed)
			return &SpawnError{
				Username:   lp.proc.Username,
				ServerName: lp.proc.ServerName,
				Reason:     fmt.Sprintf("backend exited during startup with code %d", lp.proc.ExitCode()),
			}
		case <-deadline.C:
			s.logger.Error("Startup timed out, killing subprocess", "key", key, "pid", lp.proc.PID, "timeout", s.startupTimeout)
			lp.proc.SetState(StateFailed)
			lp.cmd.Process.Kill()
			return &SpawnError{
				Username:   lp.proc.Username,
				ServerName: lp.proc.ServerName,
				Reason:     fmt.Sprintf("startup timed out after %s", s.startupTimeout),
			}
		case <-ctx.Done():
			lp.proc.SetState(StateFailed)
			lp.cmd.Process.Kill()
			return &SpawnError{Username: lp.proc.Username, ServerName: lp.proc.ServerName, Reason: "startup cancelled", Err: ctx.Err()}
		case <-ticker.C:
			if err := s.checker.Check(ctx, lp.proc.URL); err == nil {
				return nil
			}
		}
	}
}

// scanOutput forwards one subprocess output stream to the hub log.
func (s *LocalSpawner) scanOutput(pipe interface{ Read([]byte) (int, error) }, key string, pid int, level slog.Level) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		s.logger.Log(context.Background(), level, "Subprocess output", "key", key, "pid", pid, "line", scanner.Text())
	}
}

// watchExit waits for the subprocess to terminate, records the exit code and
// flips terminal state. An exit that was not requested via Stop is a failure.
func (s *LocalSpawner) watchExit(lp *localProcess) {
	defer s.wg.Done()
	err := lp.cmd.Wait()

	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}
	lp.proc.setExit(code)

	// The Stopped-vs-Failed verdict serializes with Stop on the spawner
	// mutex, so a stop requested before the exit is reaped is never misread
	// as a crash. The verdict lands before exited closes so Stop's waiter
	// observes the final state.
	s.mu.Lock()
	requested := lp.stopRequested
	s.mu.Unlock()

	key := lp.proc.Key()
	if requested {
		lp.proc.SetState(StateStopped)
		s.logger.Info("Subprocess stopped", "key", key, "pid", lp.proc.PID, "exitCode", code)
	} else if lp.proc.State() != StateFailed {
		lp.proc.SetState(StateFailed)
		s.logger.Error("Subprocess exited unexpectedly", "key", key, "pid", lp.proc.PID, "exitCode", code)
	}
	close(lp.exited)

	s.ports.Release(lp.port)
	s.mu.Lock()
	if current, ok := s.procs[key]; ok && current == lp {
		delete(s.procs, key)
	}
	s.mu.Unlock()
}

// Poll is a non-blocking liveness check.
func (s *LocalSpawner) Poll(p *ServerProcess) (bool, int) {
	s.mu.Lock()
	lp, ok := s.procs[p.Key()]
	s.mu.Unlock()

	if !ok || lp.proc != p {
		return false, p.ExitCode()
	}
	select {
	case <-lp.exited:
		return false, p.ExitCode()
	default:
		return true, 0
	}
}

// Stop terminates the backend for p: SIGTERM first, SIGKILL once grace
// elapses. The process is in a terminal state when Stop returns nil.
func (s *LocalSpawner) Stop(ctx context.Context, p *ServerProcess, grace time.Duration) error {
	key := p.Key()

	s.mu.Lock()
	lp, ok := s.procs[key]
	if !ok || lp.proc != p {
		s.mu.Unlock()
		// Already reaped by the exit watcher; stopping a dead process is a no-op.
		if p.State() != StateFailed {
			p.SetState(StateStopped)
		}
		return nil
	}
	// The stop request is flagged in the same critical section as the
	// lookup, so an exit reaped from here on counts as a stop.
	lp.stopRequested = true
	if st := p.State(); st != StateStopped && st != StateFailed {
		p.SetState(StateStopping)
	}
	s.mu.Unlock()

	s.logger.Info("Stopping subprocess", "key", key, "pid", p.PID, "grace", grace)

	if err := lp.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("Failed to send SIGTERM", "key", key, "pid", p.PID, "error", err)
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	select {
	case <-lp.exited:
		return nil
	case <-graceTimer.C:
		s.logger.Warn("Grace period elapsed, sending SIGKILL", "key", key, "pid", p.PID)
		if err := lp.cmd.Process.Kill(); err != nil {
			p.SetState(StateFailed)
			return &StopError{Username: p.Username, ServerName: p.ServerName, Err: err}
		}
		<-lp.exited
		return nil
	case <-ctx.Done():
		lp.cmd.Process.Kill()
		return &StopError{Username: p.Username, ServerName: p.ServerName, Err: ctx.Err()}
	}
}

// Enumerate returns the processes this spawner currently tracks. Local
// processes do not survive a hub restart, so after a restart this is empty
// and reconciliation falls back to the proxy's routing table alone.
func (s *LocalSpawner) Enumerate() []*ServerProcess {
	s.mu.Lock()
	defer s.mu.Unlock()

	procs := make([]*ServerProcess, 0, len(s.procs))
	for _, lp := range s.procs {
		procs = append(procs, lp.proc)
	}
	return procs
}
