package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/noxguard/warden/pkg/domain"
	"github.com/noxguard/warden/pkg/warden"
)

var (
	runMemMB      float64
	runCPUPercent float64
	runTimeout    int
	runMaxFileOps int
	runAllowDirs  []string
	runAllowExts  []string
	runAllowNet   bool
	runAllowHosts []string
	runConfigJSON string
	runJSON       bool
)

var runCmd = &cobra.Command{
	Use:   "run [plugin-id] -- [command] [args...]",
	Short: "Run a plugin binary inside a sandbox session",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		pluginID := domain.PluginID(args[0])
		binary, binaryArgs := args[1], args[2:]

		orch, _, err := newOrchestrator()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing orchestrator: %v\n", err)
			os.Exit(1)
		}

		limits := domain.ResourceLimits{
			MaxMemoryMB:       runMemMB,
			MaxCPUPercent:     runCPUPercent,
			MaxExecutionTime:  runTimeout,
			MaxFileOperations: runMaxFileOps,
		}
		perms := domain.PermissionSet{
			AllowedDirectories:    runAllowDirs,
			AllowedFileExtensions: runAllowExts,
			NetworkAccessAllowed:  runAllowNet,
			AllowedNetworkHosts:   runAllowHosts,
		}

		var pluginConfig map[string]any
		if runConfigJSON != "" {
			if err := json.Unmarshal([]byte(runConfigJSON), &pluginConfig); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing --plugin-config: %v\n", err)
				os.Exit(1)
			}
		}

		result, execErr := orch.Execute(cmd.Context(), pluginID, limits, perms, pluginConfig,
			func(ctx context.Context, env *warden.Env) (any, error) {
				return runChildProcess(ctx, env, binary, binaryArgs)
			})

		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding result: %v\n", err)
				os.Exit(1)
			}
		} else {
			printSummary(result)
		}

		if execErr != nil {
			fmt.Fprintf(os.Stderr, "Execution failed: %v\n", execErr)
			os.Exit(1)
		}
	},
}

// runChildProcess starts the plugin binary in the session workspace,
// binds it to the resource monitor, and streams its output through.
// The returned value is the child's exit code.
func runChildProcess(ctx context.Context, env *warden.Env, binary string, args []string) (any, error) {
	child := exec.CommandContext(ctx, binary, args...)
	child.Dir = env.Workspace.Root
	child.Env = append(os.Environ(),
		"WARDEN_SESSION_ID="+string(env.SessionID),
		"WARDEN_WORKSPACE="+env.Workspace.Root,
		"WARDEN_DATA_DIR="+env.Workspace.DataDir,
		"WARDEN_TEMP_DIR="+env.Workspace.TempDir,
		"WARDEN_LOGS_DIR="+env.Workspace.LogsDir,
	)

	stdout, err := child.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := child.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := child.Start(); err != nil {
		return nil, fmt.Errorf("failed to start plugin binary: %w", err)
	}
	if err := env.BindProcess(ctx, int32(child.Process.Pid)); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not bind process to monitor: %v\n", err)
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		_, err := io.Copy(os.Stdout, stdout)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(os.Stderr, stderr)
		return err
	})
	copyErr := g.Wait()

	waitErr := child.Wait()
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode(), fmt.Errorf("plugin exited with code %d", exitErr.ExitCode())
		}
		return nil, waitErr
	}
	if copyErr != nil {
		return 0, copyErr
	}
	return 0, nil
}

func printSummary(result domain.ExecutionResult) {
	fmt.Printf("session:     %s\n", result.SessionID)
	fmt.Printf("successful:  %t\n", result.ExecutionSuccessful)
	fmt.Printf("duration:    %.2fs\n", result.PerformanceMetrics.ExecutionTimeSeconds)
	fmt.Printf("peak memory: %.1f MB\n", result.PerformanceMetrics.PeakMemoryMB)
	fmt.Printf("file ops:    %d\n", result.PerformanceMetrics.FileOperationCount)
	fmt.Printf("violations:  %d\n", len(result.Violations))
	for _, v := range result.Violations {
		fmt.Printf("  - [%s/%s] %s\n", v.Kind, v.Severity, v.Description)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Float64Var(&runMemMB, "mem", 512, "Memory limit in MB")
	runCmd.Flags().Float64Var(&runCPUPercent, "cpu", 80, "CPU limit in percent")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 60, "Execution time limit in seconds")
	runCmd.Flags().IntVar(&runMaxFileOps, "max-file-ops", 0, "File operation limit (0 = unlimited)")
	runCmd.Flags().StringSliceVar(&runAllowDirs, "allow-dir", nil, "Allowed directory prefix (relative paths anchor at the workspace)")
	runCmd.Flags().StringSliceVar(&runAllowExts, "allow-ext", nil, "Allowed file extension, e.g. .json")
	runCmd.Flags().BoolVar(&runAllowNet, "allow-net", false, "Permit outbound network access")
	runCmd.Flags().StringSliceVar(&runAllowHosts, "allow-host", nil, "Allowed network host")
	runCmd.Flags().StringVar(&runConfigJSON, "plugin-config", "", "Plugin configuration as a JSON object")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the full execution result as JSON")
}
