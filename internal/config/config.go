// Package config loads the supervisor's daemon configuration with viper,
// decoding into typed sections with mapstructure, following the teacher's
// LoadConfig/decodeTo pattern generalized from a multi-process manifest to
// this supervisor's single-runner configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// RunnerConfig describes the managed child process.
type RunnerConfig struct {
	Mode           string   `mapstructure:"mode"` // "direct" or "shell_dev"
	ExecutablePath string   `mapstructure:"executable_path"`
	Args           []string `mapstructure:"args"`
	DevCommand     string   `mapstructure:"dev_command"`
	WorkDir        string   `mapstructure:"work_dir"`
	Env            []string `mapstructure:"env"`
	StripEnvVar    string   `mapstructure:"strip_env_var"`
	Port           int      `mapstructure:"port"`
	SecondaryPort  int      `mapstructure:"secondary_port"`
	HealthPath     string   `mapstructure:"health_path"`

	GracefulKillTimeout time.Duration `mapstructure:"graceful_kill_timeout"`
	PortFreeTimeout     time.Duration `mapstructure:"port_free_timeout"`

	BuildCommand string        `mapstructure:"build_command"`
	BuildTimeout time.Duration `mapstructure:"build_timeout"`
}

// WatchdogConfig mirrors §4.2's tunables.
type WatchdogConfig struct {
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	CrashThreshold int           `mapstructure:"crash_threshold"`
	CrashWindow    time.Duration `mapstructure:"crash_window"`
	CooldownSecs   time.Duration `mapstructure:"cooldown"`
}

// HealthConfig mirrors §4.3's refresh loop tunables.
type HealthConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
}

// AIConfig carries the default provider/model and cooldown for §4.6.
type AIConfig struct {
	Provider string        `mapstructure:"provider"`
	Model    string        `mapstructure:"model"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// CodeActivityConfig mirrors §4.7's scan tunables. QuietPeriod is the single
// "is code still being edited" threshold shared by the code-activity
// monitor and the AI debug scheduler's own edit-in-progress guard, so the
// two components never drift apart on what counts as a recent edit.
type CodeActivityConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	QuietPeriod   time.Duration `mapstructure:"quiet_period"`
}

// DiagnosticsConfig selects an optional persistence sink for workflow-loop
// iterations and watchdog crash/restart events.
type DiagnosticsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// MetricsConfig mirrors the teacher's metrics server config.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LogConfig mirrors the teacher's rotation knobs for the supervisor's own
// operational log (not the runner's captured output).
type LogConfig struct {
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Level      string `mapstructure:"level"`
}

// ServerConfig mirrors the teacher's HTTP listen address.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// Config is the top-level daemon configuration.
type Config struct {
	DevLogsDir   string              `mapstructure:"dev_logs_dir"`
	RepoDir      string              `mapstructure:"repo_dir"`
	DevMode      bool                `mapstructure:"dev_mode"`
	Runner       RunnerConfig        `mapstructure:"runner"`
	Watchdog     WatchdogConfig      `mapstructure:"watchdog"`
	Health       HealthConfig        `mapstructure:"health"`
	AI           AIConfig            `mapstructure:"ai"`
	CodeActivity CodeActivityConfig  `mapstructure:"code_activity"`
	Diagnostics  DiagnosticsConfig   `mapstructure:"diagnostics"`
	Metrics      MetricsConfig       `mapstructure:"metrics"`
	Log          LogConfig           `mapstructure:"log"`
	Server       ServerConfig        `mapstructure:"server"`
}

// LoadConfig reads and decodes configPath, which may be YAML, TOML, or
// JSON — viper sniffs the format from the extension, as in the teacher's
// loader.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("runner.mode", "shell_dev")
	v.SetDefault("runner.graceful_kill_timeout", 10*time.Second)
	v.SetDefault("runner.port_free_timeout", 5*time.Second)
	v.SetDefault("runner.build_timeout", 5*time.Minute)
	v.SetDefault("runner.strip_env_var", "SUPERVISOR_SESSION")

	v.SetDefault("watchdog.check_interval", 10*time.Second)
	v.SetDefault("watchdog.max_attempts", 3)
	v.SetDefault("watchdog.crash_threshold", 5)
	v.SetDefault("watchdog.crash_window", 600*time.Second)
	v.SetDefault("watchdog.cooldown", 60*time.Second)

	v.SetDefault("health.refresh_interval", 2*time.Second)
	v.SetDefault("health.settle_delay", 100*time.Millisecond)
	v.SetDefault("health.probe_timeout", 750*time.Millisecond)

	v.SetDefault("ai.provider", "anthropic")
	v.SetDefault("ai.model", "claude")
	v.SetDefault("ai.cooldown", 5*time.Minute)

	v.SetDefault("code_activity.check_interval", 5*time.Second)
	v.SetDefault("code_activity.quiet_period", 30*time.Second)

	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("server.listen", ":4180")
}
