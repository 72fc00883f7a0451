package quarantine

import (
	"context"
	"sync"

	"github.com/noxguard/warden/pkg/domain"
)

// Store persists the quarantine denylist. The in-memory implementation
// is process-scoped; the Redis implementation survives restarts.
type Store interface {
	Add(ctx context.Context, rec domain.QuarantineRecord) error
	Remove(ctx context.Context, id domain.PluginID) error
	Contains(ctx context.Context, id domain.PluginID) (bool, error)
	List(ctx context.Context) ([]domain.QuarantineRecord, error)
}

// MemoryStore is the in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[domain.PluginID]domain.QuarantineRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[domain.PluginID]domain.QuarantineRecord),
	}
}

func (s *MemoryStore) Add(ctx context.Context, rec domain.QuarantineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.PluginID] = rec
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, id domain.PluginID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Contains(ctx context.Context, id domain.PluginID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]domain.QuarantineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.QuarantineRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}
