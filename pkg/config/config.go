package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/noxguard/warden/pkg/domain"
)

// IsolationConfig controls which guards run and how aggressively they
// react. One instance is shared by every session an orchestrator creates.
type IsolationConfig struct {
	Level                        domain.IsolationLevel `mapstructure:"isolation_level"`
	EnableProcessIsolation       bool                  `mapstructure:"enable_process_isolation"`
	EnableNetworkIsolation       bool                  `mapstructure:"enable_network_isolation"`
	EnableFilesystemIsolation    bool                  `mapstructure:"enable_filesystem_isolation"`
	EnableRealTimeMonitoring     bool                  `mapstructure:"enable_real_time_monitoring"`
	AutoRecoveryEnabled          bool                  `mapstructure:"auto_recovery_enabled"`
	ViolationThreshold           int                   `mapstructure:"violation_threshold"`
	QuarantineOnViolation        bool                  `mapstructure:"quarantine_on_violation"`
	WatchdogTimeoutSeconds       int                   `mapstructure:"watchdog_timeout_seconds"`
	ResourceCheckIntervalSeconds float64               `mapstructure:"resource_check_interval_seconds"`
	MaxSandboxLifetimeMinutes    int                   `mapstructure:"max_sandbox_lifetime_minutes"`
	AuditLogPath                 string                `mapstructure:"audit_log_path"`
	QuarantineRedisAddr          string                `mapstructure:"quarantine_redis_addr"`
}

// Default returns the standard-isolation configuration.
func Default() IsolationConfig {
	return IsolationConfig{
		Level:                        domain.IsolationStandard,
		EnableProcessIsolation:       true,
		EnableNetworkIsolation:       true,
		EnableFilesystemIsolation:    true,
		EnableRealTimeMonitoring:     true,
		AutoRecoveryEnabled:          true,
		ViolationThreshold:           3,
		QuarantineOnViolation:        true,
		WatchdogTimeoutSeconds:       30,
		ResourceCheckIntervalSeconds: 1.0,
		MaxSandboxLifetimeMinutes:    60,
	}
}

// ForLevel derives guard enablement from an isolation level. Explicit
// enable_* options in a loaded config still win; this is the mapping
// used when only the level is given.
func ForLevel(level domain.IsolationLevel) IsolationConfig {
	cfg := Default()
	cfg.Level = level
	switch level {
	case domain.IsolationMinimal:
		cfg.EnableProcessIsolation = false
		cfg.EnableNetworkIsolation = false
		cfg.EnableFilesystemIsolation = false
		cfg.EnableRealTimeMonitoring = true
		cfg.QuarantineOnViolation = false
	case domain.IsolationStandard:
		cfg.EnableNetworkIsolation = false
	case domain.IsolationStrict:
		// Default already has everything on.
	case domain.IsolationMaximum:
		cfg.ViolationThreshold = 1
	}
	return cfg
}

// Load reads configuration from warden.yaml (search path: cwd, then
// $HOME/.warden), overlays WARDEN_* environment variables, and falls
// back to defaults. A missing config file is not an error.
func Load() (IsolationConfig, error) {
	v := viper.New()
	v.SetConfigName("warden")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.warden")

	def := Default()
	v.SetDefault("isolation_level", string(def.Level))
	v.SetDefault("enable_process_isolation", def.EnableProcessIsolation)
	v.SetDefault("enable_network_isolation", def.EnableNetworkIsolation)
	v.SetDefault("enable_filesystem_isolation", def.EnableFilesystemIsolation)
	v.SetDefault("enable_real_time_monitoring", def.EnableRealTimeMonitoring)
	v.SetDefault("auto_recovery_enabled", def.AutoRecoveryEnabled)
	v.SetDefault("violation_threshold", def.ViolationThreshold)
	v.SetDefault("quarantine_on_violation", def.QuarantineOnViolation)
	v.SetDefault("watchdog_timeout_seconds", def.WatchdogTimeoutSeconds)
	v.SetDefault("resource_check_interval_seconds", def.ResourceCheckIntervalSeconds)
	v.SetDefault("max_sandbox_lifetime_minutes", def.MaxSandboxLifetimeMinutes)
	v.SetDefault("audit_log_path", "")
	v.SetDefault("quarantine_redis_addr", "")

	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return IsolationConfig{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg IsolationConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return IsolationConfig{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return IsolationConfig{}, err
	}
	return cfg, nil
}

// Validate rejects option combinations the guards cannot honor.
func (c IsolationConfig) Validate() error {
	switch c.Level {
	case domain.IsolationMinimal, domain.IsolationStandard, domain.IsolationStrict, domain.IsolationMaximum:
	default:
		return fmt.Errorf("unknown isolation_level %q", c.Level)
	}
	if c.ViolationThreshold < 1 {
		return fmt.Errorf("violation_threshold must be >= 1, got %d", c.ViolationThreshold)
	}
	if c.ResourceCheckIntervalSeconds <= 0 {
		return fmt.Errorf("resource_check_interval_seconds must be > 0, got %v", c.ResourceCheckIntervalSeconds)
	}
	if c.WatchdogTimeoutSeconds < 1 {
		return fmt.Errorf("watchdog_timeout_seconds must be >= 1, got %d", c.WatchdogTimeoutSeconds)
	}
	return nil
}

// CheckInterval is the resource monitor poll period.
func (c IsolationConfig) CheckInterval() time.Duration {
	return time.Duration(c.ResourceCheckIntervalSeconds * float64(time.Second))
}

// WatchdogTimeout is the grace window between graceful and forceful
// termination.
func (c IsolationConfig) WatchdogTimeout() time.Duration {
	return time.Duration(c.WatchdogTimeoutSeconds) * time.Second
}

// MaxSandboxLifetime is the session-level ceiling, independent of the
// per-callable execution timeout.
func (c IsolationConfig) MaxSandboxLifetime() time.Duration {
	return time.Duration(c.MaxSandboxLifetimeMinutes) * time.Minute
}
