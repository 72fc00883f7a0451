package fsguard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/noxguard/warden/pkg/domain"
	"github.com/noxguard/warden/pkg/ledger"
	"github.com/noxguard/warden/pkg/obs"
)

// WatchGuard is the fsnotify-backed Guard. It watches the workspace
// recursively, counts create/modify/delete events, and validates each
// touched path against the session's permission set.
type WatchGuard struct {
	root    string
	perms   domain.PermissionSet
	maxOps  int
	ledger  *ledger.Ledger
	logger  obs.Logger
	metrics obs.Metrics

	sessionID domain.SessionID
	pluginID  domain.PluginID

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	opCount int

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatchGuard creates a guard for the given workspace root. maxOps is
// the session's max_file_operations limit; zero disables the count check.
func NewWatchGuard(root string, perms domain.PermissionSet, maxOps int,
	led *ledger.Ledger, logger obs.Logger, metrics obs.Metrics,
	sessionID domain.SessionID, pluginID domain.PluginID) (*WatchGuard, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	return &WatchGuard{
		root:      root,
		perms:     perms,
		maxOps:    maxOps,
		ledger:    led,
		logger:    logger,
		metrics:   metrics,
		sessionID: sessionID,
		pluginID:  pluginID,
		watcher:   watcher,
		done:      make(chan struct{}),
	}, nil
}

// Start registers the workspace tree with the watcher and launches the
// event loop.
func (g *WatchGuard) Start(ctx context.Context) error {
	err := filepath.WalkDir(g.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return g.watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		g.watcher.Close()
		return fmt.Errorf("failed to watch workspace %s: %w", g.root, err)
	}

	go g.loop(ctx)

	g.logger.Info(ctx, "Filesystem monitoring enabled", map[string]any{
		"session_id": g.sessionID,
		"workspace":  g.root,
	})
	return nil
}

// Stop closes the watcher and waits for the event loop to drain, up to
// timeout. Returns false if the join timed out.
func (g *WatchGuard) Stop(timeout time.Duration) bool {
	g.stopOnce.Do(func() { g.watcher.Close() })
	select {
	case <-g.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (g *WatchGuard) OperationCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opCount
}

func (g *WatchGuard) loop(ctx context.Context) {
	defer close(g.done)

	for {
		select {
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			g.handle(ctx, event)
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			g.logger.Error(ctx, "Filesystem watcher error", map[string]any{
				"session_id": g.sessionID,
				"error":      err.Error(),
			})
		}
	}
}

func (g *WatchGuard) handle(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	// New directories join the watch; directory events are not file
	// operations.
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := g.watcher.Add(event.Name); err != nil {
				g.logger.Warn(ctx, "Failed to watch new directory", map[string]any{
					"session_id": g.sessionID,
					"path":       event.Name,
					"error":      err.Error(),
				})
			}
		}
		return
	}

	g.mu.Lock()
	g.opCount++
	count := g.opCount
	g.mu.Unlock()

	g.metrics.IncCounter("warden_file_operations_total", 1)

	if g.maxOps > 0 && count > g.maxOps {
		g.record(ctx, domain.Violation{
			Kind:        domain.ViolationFilesystem,
			Severity:    domain.SeverityMedium,
			Description: fmt.Sprintf("File operations (%d) exceed limit (%d)", count, g.maxOps),
		})
	}

	if !g.perms.DirectoryAllowed(event.Name) {
		g.record(ctx, domain.Violation{
			Kind:        domain.ViolationPermissionDenied,
			Severity:    domain.SeverityHigh,
			Description: fmt.Sprintf("File access outside allowed directories: %s", event.Name),
		})
	}

	if ext := filepath.Ext(event.Name); !g.perms.ExtensionAllowed(ext) {
		g.record(ctx, domain.Violation{
			Kind:        domain.ViolationFilesystem,
			Severity:    domain.SeverityMedium,
			Description: fmt.Sprintf("Forbidden file extension: %s", ext),
		})
	}
}

func (g *WatchGuard) record(ctx context.Context, v domain.Violation) {
	v.Timestamp = time.Now()
	v.SessionID = g.sessionID
	v.PluginID = g.pluginID
	g.ledger.Append(v)

	g.logger.Warn(ctx, "Filesystem violation detected", map[string]any{
		"session_id":  g.sessionID,
		"kind":        string(v.Kind),
		"description": v.Description,
	})
	g.metrics.IncCounter("warden_violations_total", 1,
		obs.Label{Key: "kind", Value: string(v.Kind)},
		obs.Label{Key: "severity", Value: string(v.Severity)})
}
