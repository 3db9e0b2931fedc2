package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/spawnhub/spawnhub/auth"
	"github.com/spawnhub/spawnhub/hub"
	"github.com/spawnhub/spawnhub/internal/config"
	"github.com/spawnhub/spawnhub/internal/handlers"
	"github.com/spawnhub/spawnhub/proxy"
	"github.com/spawnhub/spawnhub/spawner"
	"github.com/spawnhub/spawnhub/state"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("Starting spawnhub")

	db, err := sqlx.Connect("sqlite3", cfg.DatabasePath)
	if err != nil {
		logger.Error("Failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	users, err := state.NewUserStore(db)
	if err != nil {
		logger.Error("Failed to initialize user store", "error", err)
		os.Exit(1)
	}
	tokens, err := state.NewTokenStore(db)
	if err != nil {
		logger.Error("Failed to initialize token store", "error", err)
		os.Exit(1)
	}

	secret, err := hub.LoadOrCreateSecret(cfg.JWTSecretPath)
	if err != nil {
		logger.Error("Failed to load JWT secret", "error", err)
		os.Exit(1)
	}
	issuer, err := hub.NewTokenIssuer(secret, cfg.AccessTokenTTL)
	if err != nil {
		logger.Error("Failed to create token issuer", "error", err)
		os.Exit(1)
	}

	authenticator := buildAuthenticator(cfg.Authenticator, users)

	ports, err := spawner.NewPortManager(cfg.Spawner.PortMin, cfg.Spawner.PortMax)
	if err != nil {
		logger.Error("Failed to create port manager", "error", err)
		os.Exit(1)
	}
	localSpawner, err := spawner.NewLocalSpawner(spawner.LocalConfig{
		Command: cfg.Spawner.Command,
		Env:     cfg.Spawner.Env,
		// Each backend gets its own API token so it can call the hub back.
		SpawnEnv: func(ctx context.Context, username, serverName string) (map[string]string, error) {
			token, _, err := tokens.Issue(ctx, username, "server "+spawner.Key(username, serverName))
			if err != nil {
				return nil, err
			}
			return map[string]string{"SPAWNHUB_API_TOKEN": token}, nil
		},
		WorkDir:        cfg.Spawner.WorkDir,
		Ports:          ports,
		StartupTimeout: cfg.Spawner.StartupTimeout,
		PollInterval:   cfg.Spawner.PollInterval,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("Failed to create spawner", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Embedded mode runs the reference proxy in-process, with the hub's own
	// listen address as the default route target.
	proxyAdminURL := cfg.Proxy.AdminURL
	var embeddedProxy *proxy.Server
	if cfg.Proxy.Embedded {
		embeddedProxy = proxy.NewServer(cfg.Proxy.AuthToken, "http://127.0.0.1"+cfg.ListenAddr, logger)
		go func() {
			if err := embeddedProxy.Start(cfg.Proxy.ListenAddr); err != nil && err != http.ErrServerClosed {
				logger.Error("Embedded proxy failed", "error", err)
				cancel()
			}
		}()
		proxyAdminURL = "http://127.0.0.1" + cfg.Proxy.ListenAddr
	}

	proxyClient, err := proxy.NewClient(proxy.ClientConfig{
		BaseURL:        proxyAdminURL,
		AuthToken:      cfg.Proxy.AuthToken,
		MaxAttempts:    cfg.Proxy.MaxAttempts,
		InitialBackoff: cfg.Proxy.InitialBackoff,
		MaxBackoff:     cfg.Proxy.MaxBackoff,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("Failed to create proxy client", "error", err)
		os.Exit(1)
	}

	orch, err := hub.NewOrchestrator(hub.Config{
		Spawner:         localSpawner,
		Proxy:           proxyClient,
		Authenticator:   authenticator,
		Users:           users,
		Tokens:          issuer,
		Logger:          logger,
		StopGrace:       cfg.StopGrace,
		IdleTimeout:     cfg.IdleTimeout,
		CullInterval:    cfg.CullInterval,
		MonitorInterval: cfg.MonitorInterval,
	})
	if err != nil {
		logger.Error("Failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	// Repair routing state before accepting any traffic.
	if err := orch.Reconcile(ctx); err != nil {
		logger.Error("Startup reconciliation failed", "error", err)
		os.Exit(1)
	}

	go orch.RunCuller(ctx)
	go orch.RunMonitor(ctx)

	api := handlers.New(handlers.Config{
		Orchestrator: orch,
		Users:        users,
		Tokens:       tokens,
		Issuer:       issuer,
		AdminToken:   cfg.AdminToken,
		Logger:       logger,
	})
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Admin API listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin API server failed", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down admin API", "error", err)
	}
	orch.Shutdown(shutdownCtx)
	if embeddedProxy != nil {
		if err := embeddedProxy.Stop(shutdownCtx); err != nil {
			logger.Error("Error shutting down embedded proxy", "error", err)
		}
	}

	logger.Info("spawnhub exited")
}

// buildLogger creates the JSON slog logger, optionally writing through a
// rotating file.
func buildLogger(cfg config.LogConfig) *slog.Logger {
	var out io.Writer = os.Stdout
	if cfg.FilePath != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
	}

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}

// buildAuthenticator selects the configured variant and wraps it with
// normalization, the allowlist and the admin set.
func buildAuthenticator(cfg config.AuthenticatorConfig, users *state.UserStore) auth.Authenticator {
	var inner auth.Authenticator
	switch cfg.Type {
	case "dummy":
		inner = &auth.DummyAuthenticator{Password: cfg.DummyPassword}
	default:
		inner = auth.NewPasswordAuthenticator(users)
	}
	return auth.NewAllowlist(inner, cfg.Allowed, cfg.Admins)
}
