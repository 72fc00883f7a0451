package session

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func newTestSession(t *testing.T, cfg config.IsolationConfig) *Session {
	t.Helper()
	return New("test-plugin", domain.ResourceLimits{}, domain.PermissionSet{},
		cfg, obs.NewSlogAdapterTo(io.Discard), obs.NewNoopMetrics())
}

func TestSessionIDsAreUnique(t *testing.T) {
	seen := make(map[domain.SessionID]bool)
	for i := 0; i < 50; i++ {
		s := newTestSession(t, testConfig())
		assert.Len(t, string(s.ID()), 12)
		assert.False(t, seen[s.ID()], "duplicate session id %s", s.ID())
		seen[s.ID()] = true
	}
}

func TestStartCreatesWorkspaceAndEntersIt(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, testConfig())

	require.NoError(t, s.Start(ctx))
	defer s.Cleanup(ctx, "test", nil)

	assert.Equal(t, domain.SessionActive, s.Status())

	ws := s.Workspace()
	for _, dir := range []string{ws.Root, ws.DataDir, ws.TempDir, ws.LogsDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	cwd, err := os.Getwd()
	require.NoError(t, err)
	wantRoot, err := filepath.EvalSymlinks(ws.Root)
	require.NoError(t, err)
	gotCwd, err := filepath.EvalSymlinks(cwd)
	require.NoError(t, err)
	assert.Equal(t, wantRoot, gotCwd)
}

func TestCleanupRemovesWorkspaceAndRestoresCwd(t *testing.T) {
	ctx := context.Background()
	before, err := os.Getwd()
	require.NoError(t, err)

	s := newTestSession(t, testConfig())
	require.NoError(t, s.Start(ctx))
	root := s.Workspace().Root

	code := 0
	tel := s.Cleanup(ctx, "completed", &code)
	require.NotNil(t, tel)

	assert.Equal(t, domain.SessionCleaned, s.Status())
	assert.True(t, tel.CleanupSuccessful)
	assert.NotNil(t, tel.EndTime)
	require.NotNil(t, tel.ExitCode)
	assert.Equal(t, 0, *tel.ExitCode)
	assert.Equal(t, "completed", tel.ExitReason)

	_, err = os.Stat(root)
	assert.True(t, os.IsNotExist(err), "workspace should be removed")

	after, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCleanupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, testConfig())
	require.NoError(t, s.Start(ctx))

	first := s.Cleanup(ctx, "done", nil)
	second := s.Cleanup(ctx, "done-again", nil)
	assert.Same(t, first, second)
	assert.Equal(t, "done", first.ExitReason)
}

func TestTelemetryCarriesLedgerViolations(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, testConfig())
	require.NoError(t, s.Start(ctx))

	s.Ledger().Append(domain.Violation{
		Kind:        domain.ViolationForbiddenOperation,
		Severity:    domain.SeverityMedium,
		Description: "callable returned an error",
	})

	tel := s.Cleanup(ctx, "error", nil)
	require.Len(t, tel.Violations, 1)
	assert.Equal(t, domain.ViolationForbiddenOperation, tel.Violations[0].Kind)
}

func TestWorkspaceWritesAreCounted(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, testConfig())
	require.NoError(t, s.Start(ctx))

	path := filepath.Join(s.Workspace().DataDir, "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	require.Eventually(t, func() bool {
		return s.Health().FileOperationCount >= 1
	}, 2*time.Second, 20*time.Millisecond)

	tel := s.Cleanup(ctx, "completed", nil)
	assert.GreaterOrEqual(t, tel.FileOperationCount, 1)
	assert.Empty(t, tel.Violations, "writes inside the workspace are permitted")
}

func TestDoubleStartRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, testConfig())
	require.NoError(t, s.Start(ctx))
	defer s.Cleanup(ctx, "test", nil)

	assert.Error(t, s.Start(ctx))
}

func TestCleanupBeforeStartIsSafe(t *testing.T) {
	s := newTestSession(t, testConfig())
	tel := s.Cleanup(context.Background(), "never-started", nil)
	require.NotNil(t, tel)
	assert.True(t, tel.CleanupSuccessful)
}
