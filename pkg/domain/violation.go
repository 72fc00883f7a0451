package domain

import "time"

// ViolationKind classifies a recorded breach.

type ViolationKind string

const (
	ViolationResourceExceeded   ViolationKind = "resource_exceeded"
	ViolationPermissionDenied   ViolationKind = "permission_denied"
	ViolationTimeoutExceeded    ViolationKind = "timeout_exceeded"
	ViolationForbiddenOperation ViolationKind = "forbidden_operation"
	ViolationNetwork            ViolationKind = "network_violation"
	ViolationFilesystem         ViolationKind = "filesystem_violation"
	ViolationProcess            ViolationKind = "process_violation"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Violation is a recorded breach of a configured resource, filesystem,
// or network limit. Guards only ever append these; detection never
// raises an error by construction.

type Violation struct {
	Kind         ViolationKind `json:"kind"`
	Timestamp    time.Time     `json:"timestamp"`
	SessionID    SessionID     `json:"session_id"`
	PluginID     PluginID      `json:"plugin_id"`
	Description  string        `json:"description"`
	Severity     Severity      `json:"severity"`
	ActionTaken  string        `json:"action_taken,omitempty"`
	AutoResolved bool          `json:"auto_resolved"`
}
