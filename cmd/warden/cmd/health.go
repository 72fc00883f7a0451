package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print an orchestrator health report",
	Run: func(cmd *cobra.Command, args []string) {
		orch, _, err := newOrchestrator()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing orchestrator: %v\n", err)
			os.Exit(1)
		}

		report := orch.HealthCheck(cmd.Context())
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding report: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
