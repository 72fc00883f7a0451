package fsguard

import (
	"context"
	"time"
)

// Guard observes file activity inside a session workspace and accounts
// for it against the session's permissions. Detection is observational:
// violations are recorded for audit and quarantine purposes, the
// underlying file operation is never blocked.
//
// Two variants exist, selected at construction time: the fsnotify-backed
// watcher, and an explicit disabled no-op for hosts without change
// notification. Call sites never branch on availability.
type Guard interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) bool

	// OperationCount is the number of file events observed so far.
	OperationCount() int
}
