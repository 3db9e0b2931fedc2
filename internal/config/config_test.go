package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spawnhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

const minimalConfig = `
AdminToken: admintoken
Spawner:
  Command: ["/usr/bin/backend", "--port", "{port}"]
Proxy:
  AdminURL: http://127.0.0.1:8001
  AuthToken: proxysecret
`

func TestLoadMinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.ListenAddr)
	assert.Equal(t, "spawnhub.db", cfg.DatabasePath)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 10*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, time.Minute, cfg.CullInterval)
	assert.Equal(t, 10*time.Second, cfg.StopGrace)
	assert.Equal(t, 15*time.Second, cfg.MonitorInterval)
	assert.Equal(t, "password", cfg.Authenticator.Type)
	assert.Equal(t, "local", cfg.Spawner.Type)
	assert.Equal(t, 9000, cfg.Spawner.PortMin)
	assert.Equal(t, 9999, cfg.Spawner.PortMax)
	assert.Equal(t, 30*time.Second, cfg.Spawner.StartupTimeout)
	assert.Equal(t, 5, cfg.Proxy.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Proxy.InitialBackoff)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
ListenAddr: ":9090"
AdminToken: admintoken
IdleTimeout: 30m
Authenticator:
  Type: dummy
  DummyPassword: hunter2
  Allowed: ["alice", "bob"]
  Admins: ["alice"]
Spawner:
  Command: ["/usr/bin/backend", "--port", "{port}"]
  Env:
    BACKEND_MODE: lab
    XDG_CacheHome: /var/cache/spawnhub
  PortMin: 9100
  PortMax: 9199
  StartupTimeout: 45s
Proxy:
  Embedded: true
  ListenAddr: ":8000"
  AuthToken: proxysecret
Log:
  Level: debug
  FilePath: /var/log/spawnhub.log
`))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, "dummy", cfg.Authenticator.Type)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Authenticator.Allowed)
	// Env var names must survive loading with their case intact.
	assert.Equal(t, map[string]string{
		"BACKEND_MODE":  "lab",
		"XDG_CacheHome": "/var/cache/spawnhub",
	}, cfg.Spawner.Env)
	assert.Equal(t, 45*time.Second, cfg.Spawner.StartupTimeout)
	assert.True(t, cfg.Proxy.Embedded)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/log/spawnhub.log", cfg.Log.FilePath)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name: "missing admin token",
			yaml: `
Spawner:
  Command: ["/usr/bin/backend"]
Proxy:
  AdminURL: http://127.0.0.1:8001
  AuthToken: s
`,
			field: "AdminToken",
		},
		{
			name: "unknown authenticator",
			yaml: minimalConfig + `
Authenticator:
  Type: ldap
`,
			field: "Authenticator.Type",
		},
		{
			name: "missing spawner command",
			yaml: `
AdminToken: a
Proxy:
  AdminURL: http://127.0.0.1:8001
  AuthToken: s
`,
			field: "Spawner.Command",
		},
		{
			name: "inverted port range",
			yaml: `
AdminToken: a
Spawner:
  Command: ["/usr/bin/backend"]
  PortMin: 9200
  PortMax: 9100
Proxy:
  AdminURL: http://127.0.0.1:8001
  AuthToken: s
`,
			field: "Spawner.PortMin",
		},
		{
			name: "missing proxy auth token",
			yaml: `
AdminToken: a
Spawner:
  Command: ["/usr/bin/backend"]
Proxy:
  AdminURL: http://127.0.0.1:8001
`,
			field: "Proxy.AuthToken",
		},
		{
			name: "external proxy without admin URL",
			yaml: `
AdminToken: a
Spawner:
  Command: ["/usr/bin/backend"]
Proxy:
  AuthToken: s
`,
			field: "Proxy.AdminURL",
		},
		{
			name: "embedded proxy without listen addr",
			yaml: `
AdminToken: a
Spawner:
  Command: ["/usr/bin/backend"]
Proxy:
  Embedded: true
  AuthToken: s
`,
			field: "Proxy.ListenAddr",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
			var fieldErr FieldError
			require.ErrorAs(t, err, &fieldErr)
			assert.Equal(t, tc.field, fieldErr.Field)
		})
	}
}
