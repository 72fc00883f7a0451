package domain

import (
	"time"
)

// IDs

type PluginID string
type SessionID string

// IsolationLevel selects which guards are active for a session.

type IsolationLevel string

const (
	IsolationMinimal  IsolationLevel = "minimal"
	IsolationStandard IsolationLevel = "standard"
	IsolationStrict   IsolationLevel = "strict"
	IsolationMaximum  IsolationLevel = "maximum"
)

// SessionStatus is the lifecycle state of a sandbox session.

type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionActive       SessionStatus = "active"
	SessionStopping     SessionStatus = "stopping"
	SessionCleaned      SessionStatus = "cleaned"
)

// ResourceLimits bound a single plugin execution. Immutable once a
// session starts.

type ResourceLimits struct {
	MaxMemoryMB       float64 `json:"max_memory_mb"`
	MaxCPUPercent     float64 `json:"max_cpu_percent"`
	MaxExecutionTime  int     `json:"max_execution_time_seconds"`
	MaxFileOperations int     `json:"max_file_operations"`
}

// PermissionSet describes what the plugin is allowed to touch.
// Immutable once a session starts.

type PermissionSet struct {
	AllowedDirectories    []string `json:"allowed_directories"`
	AllowedFileExtensions []string `json:"allowed_file_extensions"`
	NetworkAccessAllowed  bool     `json:"network_access_allowed"`
	AllowedNetworkHosts   []string `json:"allowed_network_hosts"`
}

// DirectoryAllowed reports whether path falls under one of the allowed
// directory prefixes. An empty allow-list permits everything.
func (p PermissionSet) DirectoryAllowed(path string) bool {
	if len(p.AllowedDirectories) == 0 {
		return true
	}
	for _, dir := range p.AllowedDirectories {
		if len(path) >= len(dir) && path[:len(dir)] == dir {
			return true
		}
	}
	return false
}

// ExtensionAllowed reports whether ext (including the leading dot) is in
// the allowed extension set. An empty set permits everything.
func (p PermissionSet) ExtensionAllowed(ext string) bool {
	if len(p.AllowedFileExtensions) == 0 {
		return true
	}
	for _, e := range p.AllowedFileExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// HostAllowed reports whether host is in the allowed host set. An empty
// set means no per-host restriction beyond NetworkAccessAllowed.
func (p PermissionSet) HostAllowed(host string) bool {
	if len(p.AllowedNetworkHosts) == 0 {
		return true
	}
	for _, h := range p.AllowedNetworkHosts {
		if h == host {
			return true
		}
	}
	return false
}

// ResourceSample is one observation from the resource monitor. Appended
// only by the monitor goroutine; read-only to everyone else after the
// monitor is joined.

type ResourceSample struct {
	Timestamp       time.Time `json:"timestamp"`
	ElapsedSeconds  float64   `json:"elapsed_seconds"`
	MemoryMB        float64   `json:"memory_mb"`
	CPUPercent      float64   `json:"cpu_percent"`
	ThreadCount     int       `json:"thread_count"`
	OpenHandleCount int       `json:"open_handle_count"`
}

// NetworkOperation is one audited outbound connection attempt that
// passed validation.

type NetworkOperation struct {
	Timestamp time.Time `json:"timestamp"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
}

// SessionTelemetry is the finalized record of everything observed during
// one session. Created at session start, finalized exactly once at
// cleanup, immutable afterwards.

type SessionTelemetry struct {
	SessionID             SessionID        `json:"session_id"`
	PluginID              PluginID         `json:"plugin_id"`
	StartTime             time.Time        `json:"start_time"`
	EndTime               *time.Time       `json:"end_time,omitempty"`
	PeakMemoryMB          float64          `json:"peak_memory_mb"`
	PeakCPUPercent        float64          `json:"peak_cpu_percent"`
	FileOperationCount    int              `json:"file_operation_count"`
	NetworkOperationCount int              `json:"network_operation_count"`
	ResourceSamples       []ResourceSample `json:"resource_samples"`
	Violations            []Violation      `json:"violations"`
	ExitCode              *int             `json:"exit_code,omitempty"`
	ExitReason            string           `json:"exit_reason"`
	CleanupSuccessful     bool             `json:"cleanup_successful"`
}

// QuarantineRecord marks a plugin identity as denied. Process-wide and
// cross-session; outlives individual sessions.

type QuarantineRecord struct {
	PluginID  PluginID  `json:"plugin_id"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// RecoveryAttempt records one automatic reaction to a violation.

type RecoveryAttempt struct {
	Timestamp time.Time `json:"timestamp"`
	Violation Violation `json:"violation"`
	Success   bool      `json:"success"`
	Action    string    `json:"action"`
}

// ExecutionRecord is one entry in the per-plugin execution history.

type ExecutionRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	Duration       float64   `json:"execution_time_seconds"`
	PeakMemoryMB   float64   `json:"peak_memory_mb"`
	ViolationCount int       `json:"violation_count"`
	Successful     bool      `json:"successful"`
}

// PerformanceMetrics summarizes one execution for the caller.

type PerformanceMetrics struct {
	ExecutionTimeSeconds  float64 `json:"execution_time_seconds"`
	PeakMemoryMB          float64 `json:"peak_memory_mb"`
	PeakCPUPercent        float64 `json:"peak_cpu_percent"`
	FileOperationCount    int     `json:"file_operation_count"`
	NetworkOperationCount int     `json:"network_operation_count"`
}

// ExecutionResult is what the orchestrator hands back to the embedding
// host.

type ExecutionResult struct {
	PluginID            PluginID           `json:"plugin_id"`
	SessionID           SessionID          `json:"session_id,omitempty"`
	ExecutionSuccessful bool               `json:"execution_successful"`
	Result              any                `json:"result,omitempty"`
	Error               string             `json:"error,omitempty"`
	Telemetry           *SessionTelemetry  `json:"telemetry,omitempty"`
	Violations          []Violation        `json:"violations"`
	PerformanceMetrics  PerformanceMetrics `json:"performance_metrics"`
}

// SessionHealth is one session's slice of the orchestrator health report.

type SessionHealth struct {
	SessionID          SessionID `json:"session_id"`
	UptimeSeconds      float64   `json:"uptime_seconds"`
	ViolationCount     int       `json:"violation_count"`
	ResourceSamples    int       `json:"resource_samples_count"`
	FileOperationCount int       `json:"file_operation_count"`
}

// HealthReport is the orchestrator-wide health snapshot.

type HealthReport struct {
	Timestamp          time.Time       `json:"timestamp"`
	ActiveSessionCount int             `json:"active_session_count"`
	QuarantinedCount   int             `json:"quarantined_count"`
	TelemetryRecords   int             `json:"total_telemetry_records"`
	Sessions           []SessionHealth `json:"sessions"`
}
