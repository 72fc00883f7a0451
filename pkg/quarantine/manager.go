package quarantine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/noxguard/warden/pkg/config"
	"github.com/noxguard/warden/pkg/domain"
	"github.com/noxguard/warden/pkg/obs"
	"github.com/noxguard/warden/pkg/obs/audit"
)

// Manager is the process-wide recovery and quarantine component.
// Sessions run concurrently; the recovery history and candidate set are
// the only state shared between them and are guarded by a single mutex.
// Quarantine is sticky for the process lifetime (and beyond, with the
// Redis store); there is no automatic expiry, only explicit Release.
type Manager struct {
	cfg     config.IsolationConfig
	store   Store
	auditor audit.Store
	logger  obs.Logger
	metrics obs.Metrics

	// cooldown spaces out resource-reclaim recoveries so a thrashing
	// plugin cannot spin the recovery path.
	cooldown *rate.Limiter

	mu         sync.Mutex
	history    []domain.RecoveryAttempt
	candidates map[domain.PluginID]struct{}
}

func NewManager(cfg config.IsolationConfig, store Store, auditor audit.Store,
	logger obs.Logger, metrics obs.Metrics) *Manager {
	if auditor == nil {
		auditor = audit.NopStore{}
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		auditor:    auditor,
		logger:     logger,
		metrics:    metrics,
		cooldown:   rate.NewLimiter(rate.Every(time.Second), 1),
		candidates: make(map[domain.PluginID]struct{}),
	}
}

// AutoRecover reacts to a violation. It returns whether the recovery
// action succeeded; it never returns an error, because recovery is
// best-effort by design.
func (m *Manager) AutoRecover(ctx context.Context, v domain.Violation) bool {
	if !m.cfg.AutoRecoveryEnabled {
		return false
	}

	m.logger.Info(ctx, "Attempting auto-recovery", map[string]any{
		"plugin_id": v.PluginID,
		"kind":      string(v.Kind),
	})

	var success bool
	var action string

	switch v.Kind {
	case domain.ViolationResourceExceeded:
		// Reclamation already happened in the monitor loop; here we
		// only enforce the cooldown before the next execution may
		// proceed. Best-effort success by definition.
		if err := m.cooldown.Wait(ctx); err != nil {
			action = "reclaim_cooldown_interrupted"
		} else {
			action = "reclaim_cooldown_applied"
			success = true
		}

	case domain.ViolationTimeoutExceeded:
		// A timeout alone marks the plugin as a quarantine candidate;
		// it does not quarantine by itself.
		m.mu.Lock()
		m.candidates[v.PluginID] = struct{}{}
		m.mu.Unlock()
		action = "quarantine_candidate_marked"
		success = true

	case domain.ViolationPermissionDenied:
		if m.cfg.QuarantineOnViolation {
			err := m.Quarantine(ctx, v.PluginID, fmt.Sprintf("permission violation: %s", v.Description))
			action = "plugin_quarantined"
			success = err == nil
		} else {
			m.mu.Lock()
			m.candidates[v.PluginID] = struct{}{}
			m.mu.Unlock()
			action = "quarantine_candidate_marked"
			success = true
		}

	default:
		return false
	}

	attempt := domain.RecoveryAttempt{
		Timestamp: time.Now(),
		Violation: v,
		Success:   success,
		Action:    action,
	}
	m.mu.Lock()
	m.history = append(m.history, attempt)
	m.mu.Unlock()

	m.metrics.IncCounter("warden_recovery_attempts_total", 1,
		obs.Label{Key: "kind", Value: string(v.Kind)},
		obs.Label{Key: "success", Value: fmt.Sprintf("%t", success)})
	return success
}

// Quarantine adds the plugin to the denylist and persists an audit
// record.
func (m *Manager) Quarantine(ctx context.Context, id domain.PluginID, reason string) error {
	rec := domain.QuarantineRecord{
		PluginID:  id,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	if err := m.store.Add(ctx, rec); err != nil {
		return fmt.Errorf("failed to quarantine plugin %s: %w", id, err)
	}

	m.logger.Warn(ctx, "Plugin quarantined", map[string]any{
		"plugin_id": id,
		"reason":    reason,
	})
	m.metrics.IncCounter("warden_quarantines_total", 1)

	if err := m.auditor.Write(ctx, &audit.Event{
		Action:   audit.ActionQuarantine,
		Result:   audit.ResultSuccess,
		PluginID: string(id),
		Detail:   map[string]any{"reason": reason},
	}); err != nil {
		m.logger.Error(ctx, "Failed to persist quarantine audit record", map[string]any{
			"plugin_id": id,
			"error":     err.Error(),
		})
	}
	return nil
}

// Release removes the plugin from the denylist. Manual only; nothing
// expires on its own.
func (m *Manager) Release(ctx context.Context, id domain.PluginID) error {
	if err := m.store.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to release plugin %s: %w", id, err)
	}

	m.logger.Info(ctx, "Plugin released from quarantine", map[string]any{
		"plugin_id": id,
	})

	if err := m.auditor.Write(ctx, &audit.Event{
		Action:   audit.ActionRelease,
		Result:   audit.ResultSuccess,
		PluginID: string(id),
	}); err != nil {
		m.logger.Error(ctx, "Failed to persist release audit record", map[string]any{
			"plugin_id": id,
			"error":     err.Error(),
		})
	}
	return nil
}

// IsQuarantined reports whether the plugin is currently denied.
func (m *Manager) IsQuarantined(ctx context.Context, id domain.PluginID) (bool, error) {
	return m.store.Contains(ctx, id)
}

// Quarantined returns the denied plugin identities.
func (m *Manager) Quarantined(ctx context.Context) ([]domain.PluginID, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]domain.PluginID, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.PluginID)
	}
	return ids, nil
}

// IsCandidate reports whether the plugin has been marked as a
// quarantine candidate by a previous timeout.
func (m *Manager) IsCandidate(id domain.PluginID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.candidates[id]
	return ok
}

// History returns a copy of the recovery attempts so far.
func (m *Manager) History() []domain.RecoveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RecoveryAttempt, len(m.history))
	copy(out, m.history)
	return out
}
