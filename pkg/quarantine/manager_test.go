package quarantine

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noxguard/warden/pkg/config"
	"github.com/noxguard/warden/pkg/domain"
	"github.com/noxguard/warden/pkg/obs"
)

func newTestManager(cfg config.IsolationConfig) *Manager {
	return NewManager(cfg, NewMemoryStore(), nil,
		obs.NewSlogAdapterTo(io.Discard), obs.NewNoopMetrics())
}

func TestAutoRecover_ResourceExceeded(t *testing.T) {
	m := newTestManager(config.Default())
	ctx := context.Background()

	ok := m.AutoRecover(ctx, domain.Violation{
		Kind:     domain.ViolationResourceExceeded,
		PluginID: "plug-a",
	})

	assert.True(t, ok)
	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, "reclaim_cooldown_applied", history[0].Action)

	quarantined, err := m.IsQuarantined(ctx, "plug-a")
	require.NoError(t, err)
	assert.False(t, quarantined, "resource breaches never quarantine")
}

func TestAutoRecover_TimeoutMarksCandidateOnly(t *testing.T) {
	m := newTestManager(config.Default())
	ctx := context.Background()

	ok := m.AutoRecover(ctx, domain.Violation{
		Kind:     domain.ViolationTimeoutExceeded,
		PluginID: "plug-slow",
	})

	assert.True(t, ok)
	assert.True(t, m.IsCandidate("plug-slow"))

	quarantined, err := m.IsQuarantined(ctx, "plug-slow")
	require.NoError(t, err)
	assert.False(t, quarantined, "a timeout alone must not quarantine")
}

func TestAutoRecover_PermissionDeniedQuarantines(t *testing.T) {
	m := newTestManager(config.Default())
	ctx := context.Background()

	ok := m.AutoRecover(ctx, domain.Violation{
		Kind:        domain.ViolationPermissionDenied,
		PluginID:    "plug-bad",
		Description: "wrote outside workspace",
	})

	assert.True(t, ok)
	quarantined, err := m.IsQuarantined(ctx, "plug-bad")
	require.NoError(t, err)
	assert.True(t, quarantined)

	ids, err := m.Quarantined(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, domain.PluginID("plug-bad"))
}

func TestAutoRecover_QuarantineDisabledByConfig(t *testing.T) {
	cfg := config.Default()
	cfg.QuarantineOnViolation = false
	m := newTestManager(cfg)
	ctx := context.Background()

	ok := m.AutoRecover(ctx, domain.Violation{
		Kind:     domain.ViolationPermissionDenied,
		PluginID: "plug-spared",
	})

	assert.True(t, ok)
	quarantined, err := m.IsQuarantined(ctx, "plug-spared")
	require.NoError(t, err)
	assert.False(t, quarantined)
	assert.True(t, m.IsCandidate("plug-spared"))
}

func TestAutoRecover_DisabledDoesNothing(t *testing.T) {
	cfg := config.Default()
	cfg.AutoRecoveryEnabled = false
	m := newTestManager(cfg)

	ok := m.AutoRecover(context.Background(), domain.Violation{
		Kind:     domain.ViolationPermissionDenied,
		PluginID: "plug-x",
	})

	assert.False(t, ok)
	assert.Empty(t, m.History())
}

func TestRelease(t *testing.T) {
	m := newTestManager(config.Default())
	ctx := context.Background()

	require.NoError(t, m.Quarantine(ctx, "plug-a", "testing"))
	quarantined, _ := m.IsQuarantined(ctx, "plug-a")
	require.True(t, quarantined)

	require.NoError(t, m.Release(ctx, "plug-a"))
	quarantined, _ = m.IsQuarantined(ctx, "plug-a")
	assert.False(t, quarantined)
}
