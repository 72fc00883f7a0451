package warden

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/noxguard/warden/pkg/config"
	"github.com/noxguard/warden/pkg/domain"
	"github.com/noxguard/warden/pkg/obs"
)

func testConfig() config.IsolationConfig {
	cfg := config.Default()
	cfg.ResourceCheckIntervalSeconds = 0.05
	cfg.WatchdogTimeoutSeconds = 1
	return cfg
}

func newTestOrchestrator(cfg config.IsolationConfig) *Orchestrator {
	return New(cfg, nil, nil, obs.NewSlogAdapterTo(io.Discard), obs.NewNoopMetrics())
}

// workspacesFor lists leftover workspace directories for a plugin id.
func workspacesFor(t *testing.T, pluginID domain.PluginID) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), fmt.Sprintf("warden_%s_*", pluginID)))
	require.NoError(t, err)
	return matches
}

func TestExecuteSuccessWithoutViolations(t *testing.T) {
	o := newTestOrchestrator(testConfig())
	ctx := context.Background()

	result, err := o.Execute(ctx, "well-behaved", domain.ResourceLimits{}, domain.PermissionSet{}, nil,
		func(ctx context.Context, env *Env) (any, error) {
			path := filepath.Join(env.Workspace.DataDir, "out.txt")
			return "done", os.WriteFile(path, []byte("payload"), 0o644)
		})

	require.NoError(t, err)
	assert.True(t, result.ExecutionSuccessful)
	assert.Equal(t, "done", result.Result)
	assert.Empty(t, result.Violations)
	require.NotNil(t, result.Telemetry)
	assert.Equal(t, "completed", result.Telemetry.ExitReason)
	assert.True(t, result.Telemetry.CleanupSuccessful)
	assert.Empty(t, workspacesFor(t, "well-behaved"))

	tel, ok := o.Telemetry(result.SessionID)
	require.True(t, ok)
	assert.Same(t, result.Telemetry, tel)

	history := o.History("well-behaved")
	require.Len(t, history, 1)
	assert.True(t, history[0].Successful)
}

func TestExecutePassesPluginConfigThrough(t *testing.T) {
	o := newTestOrchestrator(testConfig())

	pluginConfig := map[string]any{"mode": "fast", "retries": 3}
	result, err := o.Execute(context.Background(), "configured-plug",
		domain.ResourceLimits{}, domain.PermissionSet{}, pluginConfig,
		func(ctx context.Context, env *Env) (any, error) {
			return env.Config["mode"], nil
		})

	require.NoError(t, err)
	assert.Equal(t, "fast", result.Result)
}

func TestQuarantinedPluginRejectedWithoutWorkspace(t *testing.T) {
	o := newTestOrchestrator(testConfig())
	ctx := context.Background()

	require.NoError(t, o.Quarantine().Quarantine(ctx, "banned-plug", "testing"))

	called := false
	result, err := o.Execute(ctx, "banned-plug", domain.ResourceLimits{}, domain.PermissionSet{}, nil,
		func(ctx context.Context, env *Env) (any, error) {
			called = true
			return nil, nil
		})

	require.ErrorIs(t, err, ErrQuarantined)
	assert.False(t, called, "callable must never run for a quarantined plugin")
	assert.False(t, result.ExecutionSuccessful)
	assert.Empty(t, result.SessionID)
	assert.Empty(t, workspacesFor(t, "banned-plug"), "no workspace may be created")
	assert.Empty(t, o.History("banned-plug"))
}

func TestConcurrentExecutionsAreIsolated(t *testing.T) {
	o := newTestOrchestrator(testConfig())

	const n = 4
	var mu sync.Mutex
	results := make([]domain.ExecutionResult, 0, n)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		id := domain.PluginID(fmt.Sprintf("concurrent-%d", i))
		g.Go(func() error {
			result, err := o.Execute(ctx, id, domain.ResourceLimits{}, domain.PermissionSet{}, nil,
				func(ctx context.Context, env *Env) (any, error) {
					path := filepath.Join(env.Workspace.DataDir, "out.txt")
					return string(id), os.WriteFile(path, []byte(id), 0o644)
				})
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[domain.SessionID]bool)
	for _, result := range results {
		assert.True(t, result.ExecutionSuccessful)
		assert.False(t, seen[result.SessionID], "session ids must be distinct")
		seen[result.SessionID] = true
	}
	require.Len(t, seen, n)

	for i := 0; i < n; i++ {
		id := domain.PluginID(fmt.Sprintf("concurrent-%d", i))
		assert.Empty(t, workspacesFor(t, id), "workspace for %s should be removed", id)
	}
}

func TestCallableErrorBecomesExecutionError(t *testing.T) {
	o := newTestOrchestrator(testConfig())
	boom := errors.New("plugin blew up")

	result, err := o.Execute(context.Background(), "broken-plug",
		domain.ResourceLimits{}, domain.PermissionSet{}, nil,
		func(ctx context.Context, env *Env) (any, error) {
			return nil, boom
		})

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, boom)
	assert.False(t, result.ExecutionSuccessful)

	var kinds []domain.ViolationKind
	for _, v := range result.Violations {
		kinds = append(kinds, v.Kind)
	}
	assert.Contains(t, kinds, domain.ViolationForbiddenOperation)

	history := o.History("broken-plug")
	require.Len(t, history, 1)
	assert.False(t, history[0].Successful)
}

func TestTimeoutProducesViolationAndError(t *testing.T) {
	o := newTestOrchestrator(testConfig())
	limits := domain.ResourceLimits{MaxExecutionTime: 1}

	start := time.Now()
	result, err := o.Execute(context.Background(), "slow-plug", limits, domain.PermissionSet{}, nil,
		func(ctx context.Context, env *Env) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	require.ErrorIs(t, err, ErrTimeout)
	assert.False(t, result.ExecutionSuccessful)
	assert.Less(t, time.Since(start), 10*time.Second)

	var kinds []domain.ViolationKind
	for _, v := range result.Violations {
		kinds = append(kinds, v.Kind)
	}
	assert.Contains(t, kinds, domain.ViolationTimeoutExceeded)
	assert.Equal(t, "timeout", result.Telemetry.ExitReason)
	assert.Empty(t, workspacesFor(t, "slow-plug"))
}

func TestViolationThresholdAbortsSession(t *testing.T) {
	cfg := testConfig()
	cfg.ViolationThreshold = 2
	o := newTestOrchestrator(cfg)

	perms := domain.PermissionSet{NetworkAccessAllowed: false}
	result, err := o.Execute(context.Background(), "noisy-plug",
		domain.ResourceLimits{}, perms, nil,
		func(ctx context.Context, env *Env) (any, error) {
			// Three denials; no single one is fatal, together they
			// cross the threshold.
			for i := 0; i < 3; i++ {
				env.Network.ValidateNetworkAccess(ctx, "example.com", 443)
			}
			<-ctx.Done()
			return nil, ctx.Err()
		})

	require.ErrorIs(t, err, ErrAborted)
	assert.False(t, result.ExecutionSuccessful)
	assert.Equal(t, "aborted", result.Telemetry.ExitReason)
	assert.GreaterOrEqual(t, len(result.Violations), 3)
}

func TestBoundChildAbortedAtViolationThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.ViolationThreshold = 1
	o := newTestOrchestrator(cfg)

	perms := domain.PermissionSet{NetworkAccessAllowed: false}
	start := time.Now()
	result, err := o.Execute(context.Background(), "bound-noisy",
		domain.ResourceLimits{}, perms, nil,
		func(ctx context.Context, env *Env) (any, error) {
			child := exec.CommandContext(ctx, "sleep", "30")
			if err := child.Start(); err != nil {
				return nil, err
			}
			if err := env.BindProcess(ctx, int32(child.Process.Pid)); err != nil {
				return nil, err
			}
			for i := 0; i < 3; i++ {
				env.Network.ValidateNetworkAccess(ctx, "example.com", 443)
			}
			return nil, child.Wait()
		})

	require.ErrorIs(t, err, ErrAborted)
	assert.False(t, result.ExecutionSuccessful)
	assert.Equal(t, "aborted", result.Telemetry.ExitReason)
	assert.Less(t, time.Since(start), 10*time.Second,
		"abort must interrupt the child, not wait out its sleep")
}

func TestBoundChildTerminationClassifiedAsTimeout(t *testing.T) {
	o := newTestOrchestrator(testConfig())
	limits := domain.ResourceLimits{MaxExecutionTime: 1}

	start := time.Now()
	result, err := o.Execute(context.Background(), "bound-slow", limits, domain.PermissionSet{}, nil,
		func(ctx context.Context, env *Env) (any, error) {
			child := exec.CommandContext(ctx, "sleep", "30")
			if err := child.Start(); err != nil {
				return nil, err
			}
			if err := env.BindProcess(ctx, int32(child.Process.Pid)); err != nil {
				return nil, err
			}
			return nil, child.Wait()
		})

	require.ErrorIs(t, err, ErrTimeout)
	assert.False(t, result.ExecutionSuccessful)
	assert.Equal(t, "timeout", result.Telemetry.ExitReason)
	assert.Less(t, time.Since(start), 10*time.Second)

	var kinds []domain.ViolationKind
	for _, v := range result.Violations {
		kinds = append(kinds, v.Kind)
	}
	assert.Contains(t, kinds, domain.ViolationTimeoutExceeded)
	assert.NotContains(t, kinds, domain.ViolationForbiddenOperation,
		"a monitor-terminated child is a timeout, not a plugin fault")
}

func TestNetworkDenialRecordedInTelemetry(t *testing.T) {
	o := newTestOrchestrator(testConfig())

	perms := domain.PermissionSet{NetworkAccessAllowed: false}
	result, err := o.Execute(context.Background(), "dialer-plug",
		domain.ResourceLimits{}, perms, nil,
		func(ctx context.Context, env *Env) (any, error) {
			allowed := env.Network.ValidateNetworkAccess(ctx, "example.com", 443)
			return allowed, nil
		})

	require.NoError(t, err)
	assert.Equal(t, false, result.Result)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, domain.ViolationNetwork, result.Violations[0].Kind)
	assert.Equal(t, 0, result.PerformanceMetrics.NetworkOperationCount)
}

func TestDirectoryEscapeQuarantinesPlugin(t *testing.T) {
	o := newTestOrchestrator(testConfig())
	ctx := context.Background()

	perms := domain.PermissionSet{AllowedDirectories: []string{"data"}}
	result, err := o.Execute(ctx, "escape-plug", domain.ResourceLimits{}, perms, nil,
		func(ctx context.Context, env *Env) (any, error) {
			escape := filepath.Join(env.Workspace.Root, "escape.txt")
			if err := os.WriteFile(escape, []byte("outside"), 0o644); err != nil {
				return nil, err
			}
			// Give the filesystem guard time to observe the write
			// before the session shuts down.
			time.Sleep(500 * time.Millisecond)
			return nil, nil
		})

	require.NoError(t, err)

	var kinds []domain.ViolationKind
	for _, v := range result.Violations {
		kinds = append(kinds, v.Kind)
	}
	assert.Contains(t, kinds, domain.ViolationPermissionDenied)

	quarantined, qerr := o.QuarantinedPlugins(ctx)
	require.NoError(t, qerr)
	assert.Contains(t, quarantined, domain.PluginID("escape-plug"))

	// A later execution of the same identity fails fast.
	_, err = o.Execute(ctx, "escape-plug", domain.ResourceLimits{}, perms, nil,
		func(ctx context.Context, env *Env) (any, error) { return nil, nil })
	require.ErrorIs(t, err, ErrQuarantined)

	require.NoError(t, o.ReleasePlugin(ctx, "escape-plug"))
	quarantined, qerr = o.QuarantinedPlugins(ctx)
	require.NoError(t, qerr)
	assert.NotContains(t, quarantined, domain.PluginID("escape-plug"))
}

func TestHealthCheckCountsSessions(t *testing.T) {
	o := newTestOrchestrator(testConfig())
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	go o.Execute(ctx, "health-plug", domain.ResourceLimits{}, domain.PermissionSet{}, nil,
		func(ctx context.Context, env *Env) (any, error) {
			close(started)
			<-release
			return nil, nil
		})

	<-started
	report := o.HealthCheck(ctx)
	assert.Equal(t, 1, report.ActiveSessionCount)
	require.Len(t, report.Sessions, 1)
	assert.GreaterOrEqual(t, report.Sessions[0].UptimeSeconds, 0.0)

	close(release)
	require.Eventually(t, func() bool {
		return o.HealthCheck(ctx).ActiveSessionCount == 0
	}, 5*time.Second, 20*time.Millisecond)

	report = o.HealthCheck(ctx)
	assert.Equal(t, 1, report.TelemetryRecords)
}
