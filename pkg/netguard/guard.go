package netguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/noxguard/warden/pkg/domain"
	"github.com/noxguard/warden/pkg/ledger"
	"github.com/noxguard/warden/pkg/obs"
)

// Guard gates outbound network attempts made by the host integration on
// behalf of the plugin. It is not an interceptor: the embedding code
// must call ValidateNetworkAccess before dialing.
type Guard struct {
	perms   domain.PermissionSet
	ledger  *ledger.Ledger
	logger  obs.Logger
	metrics obs.Metrics

	sessionID domain.SessionID
	pluginID  domain.PluginID

	mu  sync.Mutex
	ops []domain.NetworkOperation
}

func New(perms domain.PermissionSet, led *ledger.Ledger, logger obs.Logger,
	metrics obs.Metrics, sessionID domain.SessionID, pluginID domain.PluginID) *Guard {
	return &Guard{
		perms:     perms,
		ledger:    led,
		logger:    logger,
		metrics:   metrics,
		sessionID: sessionID,
		pluginID:  pluginID,
	}
}

// ValidateNetworkAccess reports whether the plugin may connect to
// host:port. Denials record a violation; approvals record an audit
// entry.
func (g *Guard) ValidateNetworkAccess(ctx context.Context, host string, port int) bool {
	if !g.perms.NetworkAccessAllowed {
		g.record(ctx, "Network access not permitted")
		return false
	}

	if !g.perms.HostAllowed(host) {
		g.record(ctx, fmt.Sprintf("Network access to forbidden host: %s", host))
		return false
	}

	g.mu.Lock()
	g.ops = append(g.ops, domain.NetworkOperation{
		Timestamp: time.Now(),
		Host:      host,
		Port:      port,
	})
	g.mu.Unlock()

	g.metrics.IncCounter("warden_network_operations_total", 1)
	return true
}

// Operations returns a copy of the audited, approved network operations.
func (g *Guard) Operations() []domain.NetworkOperation {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.NetworkOperation, len(g.ops))
	copy(out, g.ops)
	return out
}

// OperationCount returns how many network operations were approved.
func (g *Guard) OperationCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ops)
}

func (g *Guard) record(ctx context.Context, description string) {
	v := domain.Violation{
		Kind:        domain.ViolationNetwork,
		Timestamp:   time.Now(),
		SessionID:   g.sessionID,
		PluginID:    g.pluginID,
		Description: description,
		Severity:    domain.SeverityHigh,
	}
	g.ledger.Append(v)

	g.logger.Warn(ctx, "Network violation detected", map[string]any{
		"session_id":  g.sessionID,
		"description": description,
	})
	g.metrics.IncCounter("warden_violations_total", 1,
		obs.Label{Key: "kind", Value: string(domain.ViolationNetwork)},
		obs.Label{Key: "severity", Value: string(domain.SeverityHigh)})
}
