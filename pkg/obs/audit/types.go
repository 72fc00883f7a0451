package audit

import (
	"time"
)

// Action represents the type of sandbox event being audited.
type Action string

const (
	ActionExecute    Action = "execute"
	ActionTerminate  Action = "terminate"
	ActionQuarantine Action = "quarantine"
	ActionRelease    Action = "release"
	ActionViolation  Action = "violation"
	ActionTelemetry  Action = "telemetry"
)

// Result represents the outcome of the action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// Event is a single audit record. Quarantine events and finalized
// session telemetry are both persisted through this shape; the telemetry
// document itself rides in Detail.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    Action         `json:"action"`
	Result    Result         `json:"result"`
	PluginID  string         `json:"plugin_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`

	// PreviousHash chains this event to the one before it for
	// tamper-evidence.
	PreviousHash string `json:"previous_hash,omitempty"`
	// Hash covers the event content including PreviousHash.
	Hash string `json:"hash,omitempty"`
}
