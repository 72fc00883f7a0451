package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective isolation configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		out := map[string]any{
			"isolation_level":                 cfg.Level,
			"enable_process_isolation":        cfg.EnableProcessIsolation,
			"enable_network_isolation":        cfg.EnableNetworkIsolation,
			"enable_filesystem_isolation":     cfg.EnableFilesystemIsolation,
			"enable_real_time_monitoring":     cfg.EnableRealTimeMonitoring,
			"auto_recovery_enabled":           cfg.AutoRecoveryEnabled,
			"violation_threshold":             cfg.ViolationThreshold,
			"quarantine_on_violation":         cfg.QuarantineOnViolation,
			"watchdog_timeout_seconds":        cfg.WatchdogTimeoutSeconds,
			"resource_check_interval_seconds": cfg.ResourceCheckIntervalSeconds,
			"max_sandbox_lifetime_minutes":    cfg.MaxSandboxLifetimeMinutes,
			"audit_log_path":                  cfg.AuditLogPath,
			"quarantine_redis_addr":           cfg.QuarantineRedisAddr,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding config: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
