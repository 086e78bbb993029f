// Package config loads framefarm's runtime configuration.
//
// Precedence, highest first: runtime overrides, environment variables
// (FRAMEFARM_*), the config file (framefarm.yaml in the working directory or
// the user config directory), then defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Status     StatusConfig     `mapstructure:"status"`
	Node       NodeConfig       `mapstructure:"node"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Attempts   AttemptsConfig   `mapstructure:"attempts"`
	Progress   ProgressConfig   `mapstructure:"progress"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// DispatcherConfig is the TCP listener nodes connect to.
type DispatcherConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// StatusConfig is the dispatcher's HTTP status server.
type StatusConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type NodeConfig struct {
	// ID defaults to the hostname when empty.
	ID           string        `mapstructure:"id"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	DialAttempts int           `mapstructure:"dial_attempts"`
	DialInterval time.Duration `mapstructure:"dial_interval"`
}

type LedgerConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Path defaults to the app data directory when empty.
	Path string `mapstructure:"path"`
}

type AttemptsConfig struct {
	// Dir defaults to the app data directory when empty.
	Dir string `mapstructure:"dir"`
}

type ProgressConfig struct {
	// Output is "" for stderr, "-" for stdout, or a file path.
	Output string `mapstructure:"output"`
}

// Identity names the application for env vars and config files.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is framefarm's identity.
func DefaultIdentity() *Identity {
	return &Identity{BinaryName: "framefarm", EnvPrefix: "FRAMEFARM", ConfigName: "framefarm"}
}

// EnvSpec maps one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// SetConfigFile makes Load read path instead of searching for a config file.
// An empty path restores the search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// SetIdentity replaces the application identity used by Load.
func SetIdentity(id *Identity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = id
}

// GetIdentity returns the identity, or nil before Load or SetIdentity.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Load resolves the configuration and makes it available through GetConfig.
//
// Each override is a nested map merged over env, file and defaults, e.g.
// {"dispatcher": {"port": 6000}}.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}
	configMu.Unlock()

	v := viper.New()
	SetDefaults(v)

	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", explicit, err)
		}
	} else {
		v.SetConfigName(GetIdentity().ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		for _, p := range getUserConfigPaths() {
			v.AddConfigPath(p)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// SetDefaults installs the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("dispatcher.host", "0.0.0.0")
	v.SetDefault("dispatcher.port", 5000)

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.host", "localhost")
	v.SetDefault("status.port", 8080)
	v.SetDefault("status.read_timeout", "30s")
	v.SetDefault("status.write_timeout", "30s")
	v.SetDefault("status.shutdown_timeout", "10s")

	v.SetDefault("node.id", "")
	v.SetDefault("node.poll_interval", "5s")
	v.SetDefault("node.dial_attempts", 1)
	v.SetDefault("node.dial_interval", "2s")

	v.SetDefault("ledger.enabled", true)
	v.SetDefault("ledger.path", "")
	v.SetDefault("attempts.dir", "")
	v.SetDefault("progress.output", "")
}

func getEnvSpecs() []EnvSpec {
	id := GetIdentity()
	if id == nil {
		return []EnvSpec{}
	}
	p := id.EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "HOST", Path: "dispatcher.host"},
		{Name: p + "PORT", Path: "dispatcher.port"},
		{Name: p + "STATUS_ENABLED", Path: "status.enabled"},
		{Name: p + "STATUS_HOST", Path: "status.host"},
		{Name: p + "STATUS_PORT", Path: "status.port"},
		{Name: p + "READ_TIMEOUT", Path: "status.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "status.write_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "status.shutdown_timeout"},
		{Name: p + "NODE_ID", Path: "node.id"},
		{Name: p + "POLL_INTERVAL", Path: "node.poll_interval"},
		{Name: p + "DIAL_ATTEMPTS", Path: "node.dial_attempts"},
		{Name: p + "DIAL_INTERVAL", Path: "node.dial_interval"},
		{Name: p + "LEDGER_ENABLED", Path: "ledger.enabled"},
		{Name: p + "LEDGER_PATH", Path: "ledger.path"},
		{Name: p + "ATTEMPTS_DIR", Path: "attempts.dir"},
		{Name: p + "PROGRESS_OUTPUT", Path: "progress.output"},
	}
}

func getUserConfigPaths() []string {
	id := GetIdentity()
	if id == nil {
		return []string{}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	return []string{filepath.Join(dir, id.ConfigName)}
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
