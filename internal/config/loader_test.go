package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test from an empty directory with no user config.
func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))

	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)

		assert.Equal(t, "0.0.0.0", cfg.Dispatcher.Host)
		assert.Equal(t, 5000, cfg.Dispatcher.Port)

		assert.True(t, cfg.Status.Enabled)
		assert.Equal(t, "localhost", cfg.Status.Host)
		assert.Equal(t, 8080, cfg.Status.Port)
		assert.Equal(t, 30*time.Second, cfg.Status.ReadTimeout)
		assert.Equal(t, 10*time.Second, cfg.Status.ShutdownTimeout)

		assert.Empty(t, cfg.Node.ID)
		assert.Equal(t, 5*time.Second, cfg.Node.PollInterval)
		assert.Equal(t, 1, cfg.Node.DialAttempts)
		assert.Equal(t, 2*time.Second, cfg.Node.DialInterval)

		assert.True(t, cfg.Ledger.Enabled)
		assert.Empty(t, cfg.Progress.Output)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx, map[string]any{
			"dispatcher": map[string]any{"port": 6000},
			"logging":    map[string]any{"level": "debug"},
		})
		require.NoError(t, err)

		assert.Equal(t, 6000, cfg.Dispatcher.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "0.0.0.0", cfg.Dispatcher.Host)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("FRAMEFARM_PORT", "7000")
		t.Setenv("FRAMEFARM_LOG_LEVEL", "warn")
		t.Setenv("FRAMEFARM_LEDGER_ENABLED", "false")
		t.Setenv("FRAMEFARM_NODE_ID", "rig-07")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 7000, cfg.Dispatcher.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Ledger.Enabled)
		assert.Equal(t, "rig-07", cfg.Node.ID)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("FRAMEFARM_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{"dispatcher": map[string]any{"port": 4500}})
		require.NoError(t, err)
		assert.Equal(t, 4500, cfg.Dispatcher.Port)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		isolate(t)
		require.NoError(t, os.WriteFile("framefarm.yaml", []byte("dispatcher:\n  port: 5100\nnode:\n  poll_interval: 750ms\n"), 0o644))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5100, cfg.Dispatcher.Port)
		assert.Equal(t, 750*time.Millisecond, cfg.Node.PollInterval)
	})
}

func TestExplicitConfigFile(t *testing.T) {
	isolate(t)
	t.Cleanup(func() { SetConfigFile("") })

	path := filepath.Join(t.TempDir(), "farm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("status:\n  enabled: false\nledger:\n  path: /tmp/ledger.db\n"), 0o644))

	SetConfigFile(path)
	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.False(t, cfg.Status.Enabled)
	assert.Equal(t, "/tmp/ledger.db", cfg.Ledger.Path)

	SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load(context.Background())
	assert.Error(t, err)
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("FRAMEFARM_READ_TIMEOUT", "45s")
	t.Setenv("FRAMEFARM_POLL_INTERVAL", "1m")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Status.ReadTimeout)
	assert.Equal(t, time.Minute, cfg.Node.PollInterval)
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background(), map[string]any{"status": map[string]any{"port": 8181}})
	require.NoError(t, err)

	current := GetConfig()
	require.NotNil(t, current)
	assert.Equal(t, cfg.Status.Port, current.Status.Port)
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestEnvSpecs(t *testing.T) {
	isolate(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.True(t, strings.HasPrefix(spec.Name, "FRAMEFARM_"), spec.Name)
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
	assert.True(t, names["FRAMEFARM_LOG_LEVEL"])
	assert.True(t, names["FRAMEFARM_PORT"])
	assert.True(t, names["FRAMEFARM_POLL_INTERVAL"])
}

func TestNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer resetAppIdentity()

	assert.Empty(t, getEnvSpecs())
	assert.Empty(t, getUserConfigPaths())
	assert.Nil(t, GetConfig())
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	assert.Equal(t, 5000, v.GetInt("dispatcher.port"))
	assert.Equal(t, "30s", v.GetString("status.read_timeout"))
	assert.Equal(t, "5s", v.GetString("node.poll_interval"))
	assert.True(t, v.GetBool("ledger.enabled"))
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"a": 1,
		"b": map[string]any{"c": "x", "d": map[string]any{"e": true}},
	})
	assert.Equal(t, map[string]any{"a": 1, "b.c": "x", "b.d.e": true}, got)
}
