package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/noxguard/warden/pkg/domain"
	"github.com/noxguard/warden/pkg/quarantine"
)

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect and manage the plugin quarantine denylist",
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined plugins",
	Run: func(cmd *cobra.Command, args []string) {
		store := mustQuarantineStore()
		records, err := store.List(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing quarantined plugins: %v\n", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "PLUGIN\tSINCE\tREASON")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				rec.PluginID, rec.Timestamp.Format(time.RFC3339), rec.Reason)
		}
		w.Flush()
	},
}

var quarantineReleaseCmd = &cobra.Command{
	Use:   "release [plugin-id]",
	Short: "Release a plugin from quarantine",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store := mustQuarantineStore()
		id := domain.PluginID(args[0])

		found, err := store.Contains(cmd.Context(), id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking quarantine: %v\n", err)
			os.Exit(1)
		}
		if !found {
			fmt.Fprintf(os.Stderr, "Plugin %s is not quarantined\n", id)
			os.Exit(1)
		}
		if err := store.Remove(cmd.Context(), id); err != nil {
			fmt.Fprintf(os.Stderr, "Error releasing plugin: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Released %s\n", id)
	},
}

// mustQuarantineStore requires the Redis-backed store: quarantine state
// managed from the CLI has to outlive the process to mean anything.
func mustQuarantineStore() quarantine.Store {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.QuarantineRedisAddr == "" {
		fmt.Fprintln(os.Stderr, "Quarantine management requires --redis or quarantine_redis_addr in warden.yaml")
		os.Exit(1)
	}
	store, err := quarantine.NewRedisStore(cfg.QuarantineRedisAddr, 0, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to quarantine store: %v\n", err)
		os.Exit(1)
	}
	return store
}

func init() {
	rootCmd.AddCommand(quarantineCmd)
	quarantineCmd.AddCommand(quarantineListCmd)
	quarantineCmd.AddCommand(quarantineReleaseCmd)
}
