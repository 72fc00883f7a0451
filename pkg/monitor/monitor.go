package monitor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/noxguard/warden/pkg/config"
	"github.com/noxguard/warden/pkg/domain"
	"github.com/noxguard/warden/pkg/ledger"
	"github.com/noxguard/warden/pkg/obs"
)

// Monitor polls a Target at a fixed interval and enforces memory, CPU,
// and wall-clock limits. It is the only writer of its sample list; other
// components read samples after Stop has joined the loop.
type Monitor struct {
	target  Target
	limits  domain.ResourceLimits
	cfg     config.IsolationConfig
	ledger  *ledger.Ledger
	logger  obs.Logger
	metrics obs.Metrics

	sessionID domain.SessionID
	pluginID  domain.PluginID

	mu             sync.Mutex
	samples        []domain.ResourceSample
	peakMemoryMB   float64
	peakCPUPercent float64
	terminated     bool

	startTime time.Time
	stop      chan struct{}
	done      chan struct{}
	abort     *AbortSignal
	stopOnce  sync.Once
}

// New creates a Monitor for one session. The ledger is the session's
// shared violation ledger. The abort signal is shared by every monitor
// the session creates; pass nil to give the monitor a private one.
func New(target Target, limits domain.ResourceLimits, cfg config.IsolationConfig,
	led *ledger.Ledger, logger obs.Logger, metrics obs.Metrics,
	sessionID domain.SessionID, pluginID domain.PluginID, abort *AbortSignal) *Monitor {
	if abort == nil {
		abort = NewAbortSignal()
	}
	return &Monitor{
		target:    target,
		limits:    limits,
		cfg:       cfg,
		ledger:    led,
		logger:    logger,
		metrics:   metrics,
		sessionID: sessionID,
		pluginID:  pluginID,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		abort:     abort,
	}
}

// Start launches the poll loop on its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.startTime = time.Now()
	go m.loop(ctx)
	m.logger.Info(ctx, "Resource monitoring started", map[string]any{
		"session_id": m.sessionID,
		"pid":        m.target.Pid(),
		"interval":   m.cfg.CheckInterval().String(),
	})
}

// Stop requests the loop to exit and waits for it up to timeout.
// Returns false if the join timed out.
func (m *Monitor) Stop(timeout time.Duration) bool {
	m.stopOnce.Do(func() { close(m.stop) })
	select {
	case <-m.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Aborted is closed when the session's cumulative violation count
// exceeds the configured threshold.
func (m *Monitor) Aborted() <-chan struct{} {
	return m.abort.Done()
}

// Samples returns a copy of the collected samples. Call after Stop for
// the complete, final list.
func (m *Monitor) Samples() []domain.ResourceSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ResourceSample, len(m.samples))
	copy(out, m.samples)
	return out
}

// SampleCount returns the number of samples collected so far.
func (m *Monitor) SampleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

// Peaks returns the peak memory (MB) and CPU (percent) observed.
func (m *Monitor) Peaks() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peakMemoryMB, m.peakCPUPercent
}

// Terminated reports whether the monitor forcefully ended the target.
func (m *Monitor) Terminated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminated
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cont := m.check(ctx); !cont {
				return
			}
		}
	}
}

// check runs one poll cycle. Returns false when the loop should stop.
func (m *Monitor) check(ctx context.Context) bool {
	running, err := m.target.Running()
	if err != nil || !running {
		m.logger.Info(ctx, "Monitored process gone, stopping monitor", map[string]any{
			"session_id": m.sessionID,
			"pid":        m.target.Pid(),
		})
		return false
	}

	sample, err := m.target.Sample()
	if err != nil {
		m.logger.Error(ctx, "Failed to sample process", map[string]any{
			"session_id": m.sessionID,
			"error":      err.Error(),
		})
		return true
	}

	elapsed := time.Since(m.startTime)
	sample.Timestamp = time.Now()
	sample.ElapsedSeconds = elapsed.Seconds()

	m.mu.Lock()
	m.samples = append(m.samples, sample)
	if sample.MemoryMB > m.peakMemoryMB {
		m.peakMemoryMB = sample.MemoryMB
	}
	if sample.CPUPercent > m.peakCPUPercent {
		m.peakCPUPercent = sample.CPUPercent
	}
	m.mu.Unlock()

	if sample.MemoryMB > m.limits.MaxMemoryMB && m.limits.MaxMemoryMB > 0 {
		m.recordViolation(ctx, domain.Violation{
			Kind:        domain.ViolationResourceExceeded,
			Severity:    domain.SeverityHigh,
			Description: fmt.Sprintf("Memory usage %.1fMB exceeds limit %.1fMB", sample.MemoryMB, m.limits.MaxMemoryMB),
			ActionTaken: m.reclaim(ctx),
		})
	}

	if sample.CPUPercent > m.limits.MaxCPUPercent && m.limits.MaxCPUPercent > 0 {
		m.recordViolation(ctx, domain.Violation{
			Kind:        domain.ViolationResourceExceeded,
			Severity:    domain.SeverityMedium,
			Description: fmt.Sprintf("CPU usage %.1f%% exceeds limit %.1f%%", sample.CPUPercent, m.limits.MaxCPUPercent),
			ActionTaken: m.renice(ctx),
		})
	}

	if m.limits.MaxExecutionTime > 0 && elapsed > time.Duration(m.limits.MaxExecutionTime)*time.Second {
		m.recordViolation(ctx, domain.Violation{
			Kind:        domain.ViolationTimeoutExceeded,
			Severity:    domain.SeverityHigh,
			Description: fmt.Sprintf("Execution time %.1fs exceeds limit %ds", elapsed.Seconds(), m.limits.MaxExecutionTime),
			ActionTaken: "process_terminated",
		})
		m.forceTerminate(ctx)
		return false
	}

	if m.ledger.Len() > m.cfg.ViolationThreshold {
		m.logger.Error(ctx, "Violation threshold exceeded, aborting session", map[string]any{
			"session_id": m.sessionID,
			"violations": m.ledger.Len(),
			"threshold":  m.cfg.ViolationThreshold,
		})
		m.metrics.IncCounter("warden_session_aborts_total", 1,
			obs.Label{Key: "reason", Value: "violation_threshold"})
		m.abort.Trip()
		return false
	}

	return true
}

func (m *Monitor) recordViolation(ctx context.Context, v domain.Violation) {
	v.Timestamp = time.Now()
	v.SessionID = m.sessionID
	v.PluginID = m.pluginID
	m.ledger.Append(v)

	m.logger.Warn(ctx, "Sandbox violation detected", map[string]any{
		"session_id":  m.sessionID,
		"kind":        string(v.Kind),
		"severity":    string(v.Severity),
		"description": v.Description,
	})
	m.metrics.IncCounter("warden_violations_total", 1,
		obs.Label{Key: "kind", Value: string(v.Kind)},
		obs.Label{Key: "severity", Value: string(v.Severity)})
}

// reclaim issues a best-effort memory reclamation hint and returns the
// action string for the violation record.
func (m *Monitor) reclaim(ctx context.Context) string {
	if err := m.target.ReclaimHint(); err != nil {
		m.logger.Warn(ctx, "Memory reclamation hint failed", map[string]any{
			"session_id": m.sessionID,
			"error":      err.Error(),
		})
		return "reclaim_hint_failed"
	}
	return "reclaim_hint_issued"
}

// renice lowers the target's scheduling priority. Failure is logged,
// never fatal.
func (m *Monitor) renice(ctx context.Context) string {
	if err := m.target.LowerPriority(); err != nil {
		m.logger.Warn(ctx, "Failed to lower process priority", map[string]any{
			"session_id": m.sessionID,
			"error":      err.Error(),
		})
		return "priority_change_failed"
	}
	return "process_priority_lowered"
}

// forceTerminate requests a graceful stop, waits out the watchdog grace
// window, then kills. Monitoring the host process itself never
// terminates it.
func (m *Monitor) forceTerminate(ctx context.Context) {
	if int(m.target.Pid()) == os.Getpid() {
		m.logger.Warn(ctx, "Refusing to terminate host process, monitoring is advisory", map[string]any{
			"session_id": m.sessionID,
		})
		return
	}

	// Flag before signalling. The target's waiter can observe its death
	// ahead of our confirmation poll, and must already see it as a
	// monitor-initiated termination.
	m.mu.Lock()
	m.terminated = true
	m.mu.Unlock()

	if err := m.target.Terminate(); err != nil {
		m.logger.Error(ctx, "Graceful termination failed", map[string]any{
			"session_id": m.sessionID,
			"error":      err.Error(),
		})
	}

	deadline := time.Now().Add(m.cfg.WatchdogTimeout())
	for time.Now().Before(deadline) {
		if running, err := m.target.Running(); err != nil || !running {
			m.markTerminated(ctx, "terminated")
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := m.target.Kill(); err != nil {
		m.logger.Error(ctx, "Forceful kill failed", map[string]any{
			"session_id": m.sessionID,
			"error":      err.Error(),
		})
		return
	}
	m.markTerminated(ctx, "killed")
}

func (m *Monitor) markTerminated(ctx context.Context, how string) {
	m.mu.Lock()
	m.terminated = true
	m.mu.Unlock()

	m.metrics.IncCounter("warden_terminations_total", 1,
		obs.Label{Key: "how", Value: how})
	m.logger.Info(ctx, "Monitored process terminated", map[string]any{
		"session_id": m.sessionID,
		"pid":        m.target.Pid(),
		"how":        how,
	})
}
