package warden

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/noxguard/warden/pkg/config"
	"github.com/noxguard/warden/pkg/domain"
	"github.com/noxguard/warden/pkg/netguard"
	"github.com/noxguard/warden/pkg/obs"
	"github.com/noxguard/warden/pkg/obs/audit"
	"github.com/noxguard/warden/pkg/quarantine"
	"github.com/noxguard/warden/pkg/session"
)

// Callable is the plugin entry point the orchestrator runs inside a
// session. It must honor ctx cancellation; a callable that ignores it
// keeps its goroutine alive past the timeout, which the orchestrator
// tolerates but cannot reclaim.
type Callable func(ctx context.Context, env *Env) (any, error)

// Env is what a callable sees of its sandbox.
type Env struct {
	SessionID   domain.SessionID
	PluginID    domain.PluginID
	Workspace   session.Workspace
	Network     *netguard.Guard
	Limits      domain.ResourceLimits
	Permissions domain.PermissionSet

	// Config is the plugin's own configuration document, passed through
	// untouched.
	Config map[string]any

	sess *session.Session
}

// BindProcess points resource enforcement at a child process the
// callable spawned. Without a bound process, monitoring covers the host
// and termination stays advisory.
func (e *Env) BindProcess(ctx context.Context, pid int32) error {
	return e.sess.BindProcess(ctx, pid)
}

// Orchestrator runs plugin callables inside supervised sandbox
// sessions. One orchestrator serves many concurrent executions; the
// quarantine denylist and telemetry registry are shared across them.
type Orchestrator struct {
	cfg        config.IsolationConfig
	logger     obs.Logger
	metrics    obs.Metrics
	quarantine *quarantine.Manager
	auditor    audit.Store

	mu        sync.Mutex
	active    map[domain.SessionID]*session.Session
	telemetry map[domain.SessionID]*domain.SessionTelemetry
	history   map[domain.PluginID][]domain.ExecutionRecord
}

// New creates an orchestrator. A nil auditor disables audit logging; a
// nil store keeps quarantine in memory.
func New(cfg config.IsolationConfig, store quarantine.Store, auditor audit.Store,
	logger obs.Logger, metrics obs.Metrics) *Orchestrator {
	if store == nil {
		store = quarantine.NewMemoryStore()
	}
	if auditor == nil {
		auditor = audit.NopStore{}
	}
	return &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		quarantine: quarantine.NewManager(cfg, store, auditor, logger, metrics),
		auditor:    auditor,
		active:     make(map[domain.SessionID]*session.Session),
		telemetry:  make(map[domain.SessionID]*domain.SessionTelemetry),
		history:    make(map[domain.PluginID][]domain.ExecutionRecord),
	}
}

// Quarantine exposes the recovery and quarantine manager for embedding
// hosts that need direct denylist control.
func (o *Orchestrator) Quarantine() *quarantine.Manager {
	return o.quarantine
}

type callableResult struct {
	value any
	err   error
}

// Execute runs the callable for pluginID inside a fresh sandbox
// session and returns the full execution result. Quarantined plugins
// are rejected before any session resources exist. The returned error
// is ErrQuarantined, ErrTimeout, ErrAborted, a wrapped ExecutionError,
// or nil.
func (o *Orchestrator) Execute(ctx context.Context, pluginID domain.PluginID,
	limits domain.ResourceLimits, perms domain.PermissionSet,
	pluginConfig map[string]any, callable Callable) (domain.ExecutionResult, error) {

	quarantined, err := o.quarantine.IsQuarantined(ctx, pluginID)
	if err != nil {
		o.logger.Error(ctx, "Quarantine check failed, denying execution", map[string]any{
			"plugin_id": pluginID,
			"error":     err.Error(),
		})
		quarantined = true
	}
	if quarantined {
		o.writeAudit(ctx, &audit.Event{
			Action:   audit.ActionExecute,
			Result:   audit.ResultDenied,
			PluginID: string(pluginID),
			Detail:   map[string]any{"reason": "quarantined"},
		})
		return domain.ExecutionResult{
			PluginID:            pluginID,
			ExecutionSuccessful: false,
			Error:               ErrQuarantined.Error(),
			Violations:          []domain.Violation{},
		}, ErrQuarantined
	}

	sess := session.New(pluginID, limits, perms, o.cfg, o.logger, o.metrics)
	if err := sess.Start(ctx); err != nil {
		return domain.ExecutionResult{
			PluginID:            pluginID,
			ExecutionSuccessful: false,
			Error:               err.Error(),
			Violations:          []domain.Violation{},
		}, fmt.Errorf("failed to start sandbox session: %w", err)
	}

	o.mu.Lock()
	o.active[sess.ID()] = sess
	activeCount := len(o.active)
	o.mu.Unlock()
	o.metrics.SetGauge("warden_active_sessions", float64(activeCount))

	o.writeAudit(ctx, &audit.Event{
		Action:    audit.ActionExecute,
		Result:    audit.ResultSuccess,
		PluginID:  string(pluginID),
		SessionID: string(sess.ID()),
	})

	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan callableResult, 1)
	go func() {
		env := &Env{
			SessionID:   sess.ID(),
			PluginID:    pluginID,
			Workspace:   sess.Workspace(),
			Network:     sess.NetworkGuard(),
			Limits:      limits,
			Permissions: perms,
			Config:      pluginConfig,
			sess:        sess,
		}
		value, err := callable(runCtx, env)
		done <- callableResult{value: value, err: err}
	}()

	// The execution deadline gets the watchdog grace window on top, so
	// a monitor-terminated child can still report back before the
	// orchestrator declares a timeout itself.
	var timeoutCh <-chan time.Time
	if limits.MaxExecutionTime > 0 {
		d := time.Duration(limits.MaxExecutionTime)*time.Second + o.cfg.WatchdogTimeout()
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	var lifetimeCh <-chan time.Time
	if o.cfg.MaxSandboxLifetimeMinutes > 0 {
		timer := time.NewTimer(o.cfg.MaxSandboxLifetime())
		defer timer.Stop()
		lifetimeCh = timer.C
	}

	var (
		value      any
		execErr    error
		exitReason string
	)

	select {
	case res := <-done:
		value = res.value
		switch {
		case sess.Terminated():
			// The monitor killed a bound child at its execution
			// deadline; the child's wait error is the timeout, not a
			// plugin fault. The monitor already recorded the violation.
			exitReason = "timeout"
			execErr = ErrTimeout
		case res.err != nil:
			exitReason = "error"
			execErr = &ExecutionError{PluginID: pluginID, Err: res.err}
			sess.Ledger().Append(domain.Violation{
				Kind:        domain.ViolationForbiddenOperation,
				Timestamp:   time.Now(),
				SessionID:   sess.ID(),
				PluginID:    pluginID,
				Severity:    domain.SeverityMedium,
				Description: fmt.Sprintf("Plugin execution failed: %v", res.err),
			})
		default:
			exitReason = "completed"
		}

	case <-timeoutCh:
		exitReason = "timeout"
		execErr = ErrTimeout
		cancel()
		sess.Ledger().Append(domain.Violation{
			Kind:        domain.ViolationTimeoutExceeded,
			Timestamp:   time.Now(),
			SessionID:   sess.ID(),
			PluginID:    pluginID,
			Severity:    domain.SeverityHigh,
			Description: fmt.Sprintf("Execution exceeded %ds limit", limits.MaxExecutionTime),
			ActionTaken: "execution_cancelled",
		})

	case <-lifetimeCh:
		exitReason = "lifetime_exceeded"
		execErr = ErrTimeout
		cancel()
		sess.Ledger().Append(domain.Violation{
			Kind:        domain.ViolationTimeoutExceeded,
			Timestamp:   time.Now(),
			SessionID:   sess.ID(),
			PluginID:    pluginID,
			Severity:    domain.SeverityHigh,
			Description: fmt.Sprintf("Session exceeded maximum lifetime of %dm", o.cfg.MaxSandboxLifetimeMinutes),
			ActionTaken: "execution_cancelled",
		})

	case <-sess.Aborted():
		exitReason = "aborted"
		execErr = ErrAborted
		cancel()

	case <-ctx.Done():
		exitReason = "cancelled"
		execErr = ctx.Err()
	}

	tel := sess.Cleanup(ctx, exitReason, nil)
	duration := time.Since(start)

	o.mu.Lock()
	delete(o.active, sess.ID())
	o.telemetry[sess.ID()] = tel
	o.history[pluginID] = append(o.history[pluginID], domain.ExecutionRecord{
		Timestamp:      start,
		Duration:       duration.Seconds(),
		PeakMemoryMB:   tel.PeakMemoryMB,
		ViolationCount: len(tel.Violations),
		Successful:     execErr == nil,
	})
	activeCount = len(o.active)
	o.mu.Unlock()

	o.metrics.SetGauge("warden_active_sessions", float64(activeCount))
	o.metrics.ObserveHistogram("warden_execution_duration_seconds", duration.Seconds(),
		obs.Label{Key: "plugin_id", Value: string(pluginID)})

	for _, v := range tel.Violations {
		o.quarantine.AutoRecover(ctx, v)
	}

	o.writeAudit(ctx, &audit.Event{
		Action:    audit.ActionTelemetry,
		Result:    audit.ResultSuccess,
		PluginID:  string(pluginID),
		SessionID: string(sess.ID()),
		Detail: map[string]any{
			"exit_reason":        tel.ExitReason,
			"duration_seconds":   duration.Seconds(),
			"peak_memory_mb":     tel.PeakMemoryMB,
			"violation_count":    len(tel.Violations),
			"cleanup_successful": tel.CleanupSuccessful,
		},
	})

	result := domain.ExecutionResult{
		PluginID:            pluginID,
		SessionID:           sess.ID(),
		ExecutionSuccessful: execErr == nil,
		Result:              value,
		Telemetry:           tel,
		Violations:          tel.Violations,
		PerformanceMetrics: domain.PerformanceMetrics{
			ExecutionTimeSeconds:  duration.Seconds(),
			PeakMemoryMB:          tel.PeakMemoryMB,
			PeakCPUPercent:        tel.PeakCPUPercent,
			FileOperationCount:    tel.FileOperationCount,
			NetworkOperationCount: tel.NetworkOperationCount,
		},
	}
	if result.Violations == nil {
		result.Violations = []domain.Violation{}
	}
	if execErr != nil {
		result.Error = execErr.Error()
	}
	return result, execErr
}

// Telemetry returns the finalized telemetry of a past session.
func (o *Orchestrator) Telemetry(id domain.SessionID) (*domain.SessionTelemetry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tel, ok := o.telemetry[id]
	return tel, ok
}

// History returns the execution records accumulated for a plugin.
func (o *Orchestrator) History(id domain.PluginID) []domain.ExecutionRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.ExecutionRecord, len(o.history[id]))
	copy(out, o.history[id])
	return out
}

// QuarantinedPlugins returns the currently denied plugin identities.
func (o *Orchestrator) QuarantinedPlugins(ctx context.Context) ([]domain.PluginID, error) {
	return o.quarantine.Quarantined(ctx)
}

// ReleasePlugin lifts the quarantine on a plugin identity.
func (o *Orchestrator) ReleasePlugin(ctx context.Context, id domain.PluginID) error {
	return o.quarantine.Release(ctx, id)
}

// HealthCheck reports on every active session plus the orchestrator-wide
// counters.
func (o *Orchestrator) HealthCheck(ctx context.Context) domain.HealthReport {
	o.mu.Lock()
	sessions := make([]*session.Session, 0, len(o.active))
	for _, s := range o.active {
		sessions = append(sessions, s)
	}
	telemetryCount := len(o.telemetry)
	o.mu.Unlock()

	report := domain.HealthReport{
		Timestamp:          time.Now(),
		ActiveSessionCount: len(sessions),
		TelemetryRecords:   telemetryCount,
	}
	for _, s := range sessions {
		report.Sessions = append(report.Sessions, s.Health())
	}

	if ids, err := o.quarantine.Quarantined(ctx); err == nil {
		report.QuarantinedCount = len(ids)
	} else {
		o.logger.Warn(ctx, "Failed to count quarantined plugins for health report", map[string]any{
			"error": err.Error(),
		})
	}
	return report
}

func (o *Orchestrator) writeAudit(ctx context.Context, event *audit.Event) {
	if err := o.auditor.Write(ctx, event); err != nil {
		o.logger.Error(ctx, "Failed to write audit event", map[string]any{
			"action": string(event.Action),
			"error":  err.Error(),
		})
	}
}
