// Package config loads and validates the hub's configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface of the hub daemon. Every numeric
// threshold here is policy, not contract; the defaults below are starting
// points.
type Config struct {
	ListenAddr     string        `mapstructure:"ListenAddr"`
	DatabasePath   string        `mapstructure:"DatabasePath"`
	AdminToken     string        `mapstructure:"AdminToken"`
	JWTSecretPath  string        `mapstructure:"JWTSecretPath"`
	AccessTokenTTL time.Duration `mapstructure:"AccessTokenTTL"`

	IdleTimeout     time.Duration `mapstructure:"IdleTimeout"` // zero disables culling
	CullInterval    time.Duration `mapstructure:"CullInterval"`
	StopGrace       time.Duration `mapstructure:"StopGrace"`
	MonitorInterval time.Duration `mapstructure:"MonitorInterval"`

	Authenticator AuthenticatorConfig `mapstructure:"Authenticator"`
	Spawner       SpawnerConfig       `mapstructure:"Spawner"`
	Proxy         ProxyConfig         `mapstructure:"Proxy"`
	Log           LogConfig           `mapstructure:"Log"`
}

// AuthenticatorConfig selects and parameterizes the authenticator variant.
type AuthenticatorConfig struct {
	// Type is "password" or "dummy".
	Type string `mapstructure:"Type"`
	// DummyPassword, when set with the dummy variant, is required from all users.
	DummyPassword string `mapstructure:"DummyPassword"`
	// Allowed restricts logins to these usernames. Empty admits anyone the
	// variant accepts.
	Allowed []string `mapstructure:"Allowed"`
	// Admins are granted the admin flag at login.
	Admins []string `mapstructure:"Admins"`
}

// SpawnerConfig selects and parameterizes the spawner variant.
type SpawnerConfig struct {
	// Type is "local" (process-based). The capability interface admits
	// container and remote variants; none ship in this build.
	Type string `mapstructure:"Type"`
	// Command is the backend argv template; {username}, {servername} and
	// {port} are substituted per spawn.
	Command []string          `mapstructure:"Command"`
	Env     map[string]string `mapstructure:"Env"`
	WorkDir string            `mapstructure:"WorkDir"`

	PortMin        int           `mapstructure:"PortMin"`
	PortMax        int           `mapstructure:"PortMax"`
	StartupTimeout time.Duration `mapstructure:"StartupTimeout"`
	PollInterval   time.Duration `mapstructure:"PollInterval"`
}

// ProxyConfig points the hub at the external proxy's admin API. Embedded mode
// runs the reference proxy in-process for development.
type ProxyConfig struct {
	AdminURL       string        `mapstructure:"AdminURL"`
	AuthToken      string        `mapstructure:"AuthToken"`
	Embedded       bool          `mapstructure:"Embedded"`
	ListenAddr     string        `mapstructure:"ListenAddr"` // embedded mode only
	MaxAttempts    int           `mapstructure:"MaxAttempts"`
	InitialBackoff time.Duration `mapstructure:"InitialBackoff"`
	MaxBackoff     time.Duration `mapstructure:"MaxBackoff"`
}

// LogConfig controls log level and optional rotating file output.
type LogConfig struct {
	Level      string `mapstructure:"Level"`
	FilePath   string `mapstructure:"FilePath"` // empty logs to stdout
	MaxSize    int    `mapstructure:"MaxSize"`  // megabytes per file
	MaxBackups int    `mapstructure:"MaxBackups"`
	Compress   bool   `mapstructure:"Compress"`
}

// Load reads the config file at path, applies defaults and environment
// overrides (SPAWNHUB_ prefix), and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("spawnhub")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/spawnhub")
	}
	v.SetEnvPrefix("SPAWNHUB")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// viper lowercases every map key, which corrupts env var names. The Env
	// subtree is re-read from the raw file with case preserved.
	if file := v.ConfigFileUsed(); file != "" {
		env, err := loadSpawnerEnv(file)
		if err != nil {
			return nil, err
		}
		if env != nil {
			cfg.Spawner.Env = env
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadSpawnerEnv parses only the Spawner.Env mapping out of the config file,
// bypassing viper so the key case survives.
func loadSpawnerEnv(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var doc struct {
		Spawner struct {
			Env map[string]string `yaml:"Env"`
		} `yaml:"Spawner"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return doc.Spawner.Env, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenAddr", ":8081")
	v.SetDefault("DatabasePath", "spawnhub.db")
	v.SetDefault("JWTSecretPath", "spawnhub-jwt.key")
	v.SetDefault("AccessTokenTTL", "15m")
	v.SetDefault("IdleTimeout", "600s")
	v.SetDefault("CullInterval", "60s")
	v.SetDefault("StopGrace", "10s")
	v.SetDefault("MonitorInterval", "15s")
	v.SetDefault("Authenticator.Type", "password")
	v.SetDefault("Spawner.Type", "local")
	v.SetDefault("Spawner.PortMin", 9000)
	v.SetDefault("Spawner.PortMax", 9999)
	v.SetDefault("Spawner.StartupTimeout", "30s")
	v.SetDefault("Spawner.PollInterval", "500ms")
	v.SetDefault("Proxy.MaxAttempts", 5)
	v.SetDefault("Proxy.InitialBackoff", "250ms")
	v.SetDefault("Proxy.MaxBackoff", "5s")
	v.SetDefault("Log.Level", "info")
	v.SetDefault("Log.MaxSize", 100)
	v.SetDefault("Log.MaxBackups", 10)
	v.SetDefault("Log.Compress", true)
}

// FieldError reports an invalid configuration value with its field path.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.AdminToken == "" {
		return FieldError{"AdminToken", "required"}
	}
	switch c.Authenticator.Type {
	case "password", "dummy":
	default:
		return FieldError{"Authenticator.Type", fmt.Sprintf("unknown variant %q", c.Authenticator.Type)}
	}
	switch c.Spawner.Type {
	case "local":
		if len(c.Spawner.Command) == 0 {
			return FieldError{"Spawner.Command", "required for the local spawner"}
		}
	default:
		return FieldError{"Spawner.Type", fmt.Sprintf("unknown variant %q", c.Spawner.Type)}
	}
	if c.Spawner.PortMin <= 0 || c.Spawner.PortMax < c.Spawner.PortMin {
		return FieldError{"Spawner.PortMin", fmt.Sprintf("invalid port range [%d-%d]", c.Spawner.PortMin, c.Spawner.PortMax)}
	}
	if c.Proxy.AuthToken == "" {
		return FieldError{"Proxy.AuthToken", "required"}
	}
	if c.Proxy.Embedded {
		if c.Proxy.ListenAddr == "" {
			return FieldError{"Proxy.ListenAddr", "required in embedded mode"}
		}
	} else if c.Proxy.AdminURL == "" {
		return FieldError{"Proxy.AdminURL", "required unless the embedded proxy is enabled"}
	}
	return nil
}
