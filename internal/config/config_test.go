package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "supervisor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
repo_dir: /repo
runner:
  executable_path: /bin/runner
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "shell_dev", cfg.Runner.Mode)
	require.Equal(t, 10*time.Second, cfg.Runner.GracefulKillTimeout)
	require.Equal(t, 5*time.Second, cfg.Runner.PortFreeTimeout)
	require.Equal(t, 5*time.Minute, cfg.Runner.BuildTimeout)
	require.Equal(t, "SUPERVISOR_SESSION", cfg.Runner.StripEnvVar)

	require.Equal(t, 10*time.Second, cfg.Watchdog.CheckInterval)
	require.Equal(t, 3, cfg.Watchdog.MaxAttempts)
	require.Equal(t, 5, cfg.Watchdog.CrashThreshold)
	require.Equal(t, 600*time.Second, cfg.Watchdog.CrashWindow)
	require.Equal(t, 60*time.Second, cfg.Watchdog.CooldownSecs)

	require.Equal(t, 2*time.Second, cfg.Health.RefreshInterval)
	require.Equal(t, "anthropic", cfg.AI.Provider)
	require.Equal(t, "claude", cfg.AI.Model)
	require.Equal(t, 5*time.Second, cfg.CodeActivity.CheckInterval)
	require.Equal(t, 30*time.Second, cfg.CodeActivity.QuietPeriod)
	require.Equal(t, ":9090", cfg.Metrics.Listen)
	require.Equal(t, ":4180", cfg.Server.Listen)

	require.Equal(t, "/repo", cfg.RepoDir)
	require.Equal(t, "/bin/runner", cfg.Runner.ExecutablePath)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
runner:
  mode: direct
  port: 3000
watchdog:
  max_attempts: 7
diagnostics:
  enabled: true
  dsn: "sqlite:///tmp/diag.db"
code_activity:
  quiet_period: 45s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "direct", cfg.Runner.Mode)
	require.Equal(t, 3000, cfg.Runner.Port)
	require.Equal(t, 7, cfg.Watchdog.MaxAttempts)
	require.True(t, cfg.Diagnostics.Enabled)
	require.Equal(t, "sqlite:///tmp/diag.db", cfg.Diagnostics.DSN)
	require.Equal(t, 45*time.Second, cfg.CodeActivity.QuietPeriod)
	require.Equal(t, 5*time.Second, cfg.CodeActivity.CheckInterval, "unset fields keep their default")
}

func TestLoadConfigMissingFileErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestLoadConfigSupportsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"runner": {"mode": "direct"}}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "direct", cfg.Runner.Mode)
}
