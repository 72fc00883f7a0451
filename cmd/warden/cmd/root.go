package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/noxguard/warden/pkg/config"
	"github.com/noxguard/warden/pkg/domain"
	"github.com/noxguard/warden/pkg/obs"
	"github.com/noxguard/warden/pkg/obs/audit"
	"github.com/noxguard/warden/pkg/quarantine"
	"github.com/noxguard/warden/pkg/warden"
)

var (
	levelFlag    string
	redisFlag    string
	auditLogFlag string
	auditKeyFlag string
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden CLI",
	Long:  `Runs plugin binaries inside supervised sandbox sessions with resource, filesystem, and network guards.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&levelFlag, "level", "", "Isolation level (minimal|standard|strict|maximum)")
	rootCmd.PersistentFlags().StringVar(&redisFlag, "redis", "", "Redis address for the persistent quarantine denylist")
	rootCmd.PersistentFlags().StringVar(&auditLogFlag, "audit-log", "", "Path of the tamper-evident audit log")
	rootCmd.PersistentFlags().StringVar(&auditKeyFlag, "audit-key", "", "HMAC key for audit log chaining")
}

// loadConfig merges warden.yaml, WARDEN_* environment variables, and
// the persistent flags.
func loadConfig() (config.IsolationConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.IsolationConfig{}, err
	}
	if levelFlag != "" {
		cfg = config.ForLevel(domain.IsolationLevel(levelFlag))
		if err := cfg.Validate(); err != nil {
			return config.IsolationConfig{}, err
		}
	}
	if redisFlag != "" {
		cfg.QuarantineRedisAddr = redisFlag
	}
	if auditLogFlag != "" {
		cfg.AuditLogPath = auditLogFlag
	}
	return cfg, nil
}

func newQuarantineStore(cfg config.IsolationConfig) (quarantine.Store, error) {
	if cfg.QuarantineRedisAddr == "" {
		return quarantine.NewMemoryStore(), nil
	}
	return quarantine.NewRedisStore(cfg.QuarantineRedisAddr, 0, "")
}

func newAuditStore(cfg config.IsolationConfig) (audit.Store, error) {
	if cfg.AuditLogPath == "" {
		return audit.NopStore{}, nil
	}
	file, err := audit.NewFileStore(cfg.AuditLogPath)
	if err != nil {
		return nil, err
	}
	key := auditKeyFlag
	if key == "" {
		key = os.Getenv("WARDEN_AUDIT_KEY")
	}
	if key == "" {
		return file, nil
	}
	return audit.NewTamperEvidentStore(file, audit.NewChainManager([]byte(key))), nil
}

func newOrchestrator() (*warden.Orchestrator, config.IsolationConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, config.IsolationConfig{}, err
	}
	store, err := newQuarantineStore(cfg)
	if err != nil {
		return nil, config.IsolationConfig{}, err
	}
	auditor, err := newAuditStore(cfg)
	if err != nil {
		return nil, config.IsolationConfig{}, err
	}
	metrics := obs.NewPrometheusMetrics(nil)
	return warden.New(cfg, store, auditor, obs.NewSlogAdapter(), metrics), cfg, nil
}
