package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noxguard/warden/pkg/config"
	"github.com/noxguard/warden/pkg/domain"
	"github.com/noxguard/warden/pkg/fsguard"
	"github.com/noxguard/warden/pkg/ledger"
	"github.com/noxguard/warden/pkg/monitor"
	"github.com/noxguard/warden/pkg/netguard"
	"github.com/noxguard/warden/pkg/obs"
)

// guardJoinTimeout bounds how long Cleanup waits for the filesystem
// guard's event loop to drain.
const guardJoinTimeout = 5 * time.Second

var sessionCounter atomic.Uint64

// newSessionID derives a short unique id from the wall clock, the host
// pid, and a process-wide counter. Two sessions created in the same
// nanosecond still differ.
func newSessionID(pluginID domain.PluginID) domain.SessionID {
	raw := fmt.Sprintf("%s:%d:%d:%d",
		pluginID, time.Now().UnixNano(), os.Getpid(), sessionCounter.Add(1))
	sum := sha256.Sum256([]byte(raw))
	return domain.SessionID(hex.EncodeToString(sum[:])[:12])
}

// Workspace is the isolated directory tree a session executes in.
type Workspace struct {
	Root    string
	DataDir string
	TempDir string
	LogsDir string
}

// Session owns the resources of one plugin execution: the workspace,
// the violation ledger, and the per-session guards. Create with New,
// arm with Start, always finish with Cleanup. Cleanup is idempotent;
// the telemetry it finalizes is immutable afterwards.
type Session struct {
	id       domain.SessionID
	pluginID domain.PluginID
	limits   domain.ResourceLimits
	perms    domain.PermissionSet
	cfg      config.IsolationConfig
	logger   obs.Logger
	metrics  obs.Metrics

	ledger    *ledger.Ledger
	workspace Workspace
	netGuard  *netguard.Guard
	fsGuard   fsguard.Guard

	// abortSig outlives any individual monitor. Re-targeting monitoring
	// at a child process swaps the monitor, not the signal, so whoever
	// selects on Aborted keeps watching the live channel.
	abortSig *monitor.AbortSignal

	mu        sync.Mutex
	status    domain.SessionStatus
	mon       *monitor.Monitor
	startTime time.Time
	entered   bool

	// Samples and peaks harvested from monitors retired by a target
	// swap, merged into telemetry at cleanup.
	retiredSamples    []domain.ResourceSample
	retiredPeakMem    float64
	retiredPeakCPU    float64
	retiredTerminated bool

	cleanupOnce sync.Once
	telemetry   *domain.SessionTelemetry
}

// New creates a session in the initializing state. Nothing touches the
// filesystem until Start.
func New(pluginID domain.PluginID, limits domain.ResourceLimits,
	perms domain.PermissionSet, cfg config.IsolationConfig,
	logger obs.Logger, metrics obs.Metrics) *Session {
	return &Session{
		id:       newSessionID(pluginID),
		pluginID: pluginID,
		limits:   limits,
		perms:    perms,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		ledger:   ledger.New(),
		abortSig: monitor.NewAbortSignal(),
		status:   domain.SessionInitializing,
	}
}

func (s *Session) ID() domain.SessionID          { return s.id }
func (s *Session) PluginID() domain.PluginID     { return s.pluginID }
func (s *Session) Ledger() *ledger.Ledger        { return s.ledger }
func (s *Session) Workspace() Workspace          { return s.workspace }
func (s *Session) NetworkGuard() *netguard.Guard { return s.netGuard }

func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start builds the workspace, moves the working directory into it, and
// arms the guards the configuration enables. On error the session is
// left clean; Cleanup is still safe to call.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.SessionInitializing {
		return fmt.Errorf("session %s already started", s.id)
	}

	root, err := os.MkdirTemp("", fmt.Sprintf("warden_%s_%s_", s.pluginID, s.id))
	if err != nil {
		return fmt.Errorf("failed to create session workspace: %w", err)
	}
	ws := Workspace{
		Root:    root,
		DataDir: filepath.Join(root, "data"),
		TempDir: filepath.Join(root, "temp"),
		LogsDir: filepath.Join(root, "logs"),
	}
	for _, dir := range []string{ws.DataDir, ws.TempDir, ws.LogsDir} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			os.RemoveAll(root)
			return fmt.Errorf("failed to create workspace subdirectory: %w", err)
		}
	}
	s.workspace = ws

	if err := enterWorkspace(root); err != nil {
		os.RemoveAll(root)
		return fmt.Errorf("failed to enter workspace: %w", err)
	}
	s.entered = true

	s.netGuard = netguard.New(s.perms, s.ledger, s.logger, s.metrics, s.id, s.pluginID)

	if s.cfg.EnableFilesystemIsolation {
		guard, err := fsguard.NewWatchGuard(root, s.resolvedPerms(), s.limits.MaxFileOperations,
			s.ledger, s.logger, s.metrics, s.id, s.pluginID)
		if err != nil {
			s.fsGuard = fsguard.NewDisabledGuard(s.logger, s.id)
		} else {
			s.fsGuard = guard
		}
		if err := s.fsGuard.Start(ctx); err != nil {
			s.logger.Warn(ctx, "Filesystem guard failed to start, continuing without it", map[string]any{
				"session_id": s.id,
				"error":      err.Error(),
			})
			s.fsGuard = fsguard.NewDisabledGuard(s.logger, s.id)
			_ = s.fsGuard.Start(ctx)
		}
	}

	if s.cfg.EnableRealTimeMonitoring {
		target, err := monitor.SelfTarget()
		if err != nil {
			s.logger.Warn(ctx, "Resource monitoring unavailable", map[string]any{
				"session_id": s.id,
				"error":      err.Error(),
			})
		} else {
			s.mon = monitor.New(target, s.limits, s.cfg, s.ledger,
				s.logger, s.metrics, s.id, s.pluginID, s.abortSig)
			s.mon.Start(ctx)
		}
	}

	s.startTime = time.Now()
	s.status = domain.SessionActive
	s.metrics.SetGauge("warden_session_active", 1,
		obs.Label{Key: "plugin_id", Value: string(s.pluginID)})
	s.logger.Info(ctx, "Sandbox session started", map[string]any{
		"session_id": s.id,
		"plugin_id":  s.pluginID,
		"workspace":  root,
		"level":      string(s.cfg.Level),
	})
	return nil
}

// resolvedPerms anchors relative allowed directories at the workspace
// root. Callers do not know the workspace path before the session
// exists, so "data" means "<workspace>/data". Absolute entries pass
// through untouched.
func (s *Session) resolvedPerms() domain.PermissionSet {
	perms := s.perms
	if len(perms.AllowedDirectories) > 0 {
		resolved := make([]string, len(perms.AllowedDirectories))
		for i, dir := range perms.AllowedDirectories {
			if filepath.IsAbs(dir) {
				resolved[i] = dir
			} else {
				resolved[i] = filepath.Join(s.workspace.Root, dir)
			}
		}
		perms.AllowedDirectories = resolved
	}
	return perms
}

// BindProcess re-targets resource monitoring at a child process, making
// termination enforcement real instead of advisory. Samples collected
// before the swap are kept.
func (s *Session) BindProcess(ctx context.Context, pid int32) error {
	target, err := monitor.NewProcessTarget(pid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.SessionActive {
		return fmt.Errorf("session %s is not active", s.id)
	}

	if s.mon != nil {
		s.mon.Stop(s.cfg.WatchdogTimeout())
		s.harvestLocked()
	}
	if !s.cfg.EnableRealTimeMonitoring {
		return nil
	}

	s.mon = monitor.New(target, s.limits, s.cfg, s.ledger,
		s.logger, s.metrics, s.id, s.pluginID, s.abortSig)
	s.mon.Start(ctx)
	s.logger.Info(ctx, "Resource monitoring bound to child process", map[string]any{
		"session_id": s.id,
		"pid":        pid,
	})
	return nil
}

// harvestLocked folds the current monitor's samples and peaks into the
// retired accumulators. Caller holds s.mu.
func (s *Session) harvestLocked() {
	if s.mon == nil {
		return
	}
	s.retiredSamples = append(s.retiredSamples, s.mon.Samples()...)
	mem, cpu := s.mon.Peaks()
	if mem > s.retiredPeakMem {
		s.retiredPeakMem = mem
	}
	if cpu > s.retiredPeakCPU {
		s.retiredPeakCPU = cpu
	}
	if s.mon.Terminated() {
		s.retiredTerminated = true
	}
	s.mon = nil
}

// Aborted is closed when the session's violation count crosses the
// configured threshold. The channel is stable for the session's whole
// life, across any monitor re-targeting; with monitoring off it simply
// never closes.
func (s *Session) Aborted() <-chan struct{} {
	return s.abortSig.Done()
}

// Terminated reports whether any of the session's monitors forcefully
// ended its target process.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retiredTerminated {
		return true
	}
	return s.mon != nil && s.mon.Terminated()
}

// Health is this session's slice of the orchestrator health report.
func (s *Session) Health() domain.SessionHealth {
	s.mu.Lock()
	start := s.startTime
	mon := s.mon
	fsGuard := s.fsGuard
	s.mu.Unlock()

	h := domain.SessionHealth{
		SessionID:      s.id,
		ViolationCount: s.ledger.Len(),
	}
	if !start.IsZero() {
		h.UptimeSeconds = time.Since(start).Seconds()
	}
	if mon != nil {
		h.ResourceSamples = mon.SampleCount()
	}
	if fsGuard != nil {
		h.FileOperationCount = fsGuard.OperationCount()
	}
	return h
}

// Cleanup stops the guards, finalizes telemetry, restores the working
// directory, and removes the workspace. Safe to call more than once;
// only the first call does anything. A failed workspace removal is
// recorded in telemetry, never returned as an error.
func (s *Session) Cleanup(ctx context.Context, exitReason string, exitCode *int) *domain.SessionTelemetry {
	s.cleanupOnce.Do(func() {
		s.mu.Lock()
		s.status = domain.SessionStopping
		mon := s.mon
		fsGuard := s.fsGuard
		s.mu.Unlock()

		if mon != nil {
			if !mon.Stop(s.cfg.WatchdogTimeout()) {
				s.logger.Warn(ctx, "Monitor loop did not join in time", map[string]any{
					"session_id": s.id,
				})
			}
		}
		if fsGuard != nil {
			if !fsGuard.Stop(guardJoinTimeout) {
				s.logger.Warn(ctx, "Filesystem guard did not drain in time", map[string]any{
					"session_id": s.id,
				})
			}
		}

		s.mu.Lock()
		tel := &domain.SessionTelemetry{
			SessionID:  s.id,
			PluginID:   s.pluginID,
			StartTime:  s.startTime,
			ExitReason: exitReason,
			ExitCode:   exitCode,
		}
		now := time.Now()
		tel.EndTime = &now

		tel.ResourceSamples = append(tel.ResourceSamples, s.retiredSamples...)
		tel.PeakMemoryMB = s.retiredPeakMem
		tel.PeakCPUPercent = s.retiredPeakCPU
		if s.mon != nil {
			tel.ResourceSamples = append(tel.ResourceSamples, s.mon.Samples()...)
			mem, cpu := s.mon.Peaks()
			if mem > tel.PeakMemoryMB {
				tel.PeakMemoryMB = mem
			}
			if cpu > tel.PeakCPUPercent {
				tel.PeakCPUPercent = cpu
			}
		}
		if s.fsGuard != nil {
			tel.FileOperationCount = s.fsGuard.OperationCount()
		}
		if s.netGuard != nil {
			tel.NetworkOperationCount = s.netGuard.OperationCount()
		}
		tel.Violations = s.ledger.Snapshot()

		entered := s.entered
		root := s.workspace.Root
		s.mu.Unlock()

		if entered {
			if err := exitWorkspace(); err != nil {
				s.logger.Error(ctx, "Failed to restore working directory", map[string]any{
					"session_id": s.id,
					"error":      err.Error(),
				})
			}
		}

		tel.CleanupSuccessful = true
		if root != "" {
			if err := os.RemoveAll(root); err != nil {
				tel.CleanupSuccessful = false
				s.logger.Error(ctx, "Failed to remove session workspace", map[string]any{
					"session_id": s.id,
					"workspace":  root,
					"error":      err.Error(),
				})
			}
		}

		s.mu.Lock()
		s.status = domain.SessionCleaned
		s.telemetry = tel
		s.mu.Unlock()

		s.metrics.SetGauge("warden_session_active", 0,
			obs.Label{Key: "plugin_id", Value: string(s.pluginID)})
		s.logger.Info(ctx, "Sandbox session cleaned up", map[string]any{
			"session_id":         s.id,
			"exit_reason":        exitReason,
			"violations":         len(tel.Violations),
			"cleanup_successful": tel.CleanupSuccessful,
		})
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.telemetry
}

// Telemetry returns the finalized record, or nil before Cleanup.
func (s *Session) Telemetry() *domain.SessionTelemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.telemetry
}
