package fsguard

import (
	"context"
	"time"

	"github.com/noxguard/warden/pkg/domain"
	"github.com/noxguard/warden/pkg/obs"
)

// DisabledGuard is the no-op Guard used when filesystem isolation was
// requested but change notification is unavailable. It warns loudly at
// start so nobody believes enforcement is active.
type DisabledGuard struct {
	logger    obs.Logger
	sessionID domain.SessionID
}

func NewDisabledGuard(logger obs.Logger, sessionID domain.SessionID) *DisabledGuard {
	return &DisabledGuard{logger: logger, sessionID: sessionID}
}

func (g *DisabledGuard) Start(ctx context.Context) error {
	g.logger.Warn(ctx, "Filesystem monitoring requested but unavailable, running without it", map[string]any{
		"session_id": g.sessionID,
	})
	return nil
}

func (g *DisabledGuard) Stop(timeout time.Duration) bool { return true }

func (g *DisabledGuard) OperationCount() int { return 0 }
