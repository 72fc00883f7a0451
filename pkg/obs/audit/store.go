package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists audit events.
type Store interface {
	Write(ctx context.Context, event *Event) error
}

// LogStore writes audit events to a writer as JSON lines. Safe for
// concurrent use.
type LogStore struct {
	mu     sync.Mutex
	writer io.Writer
}

func NewLogStore(w io.Writer) *LogStore {
	return &LogStore{writer: w}
}

// NewFileStore creates a LogStore appending to the file at path.
func NewFileStore(path string) (*LogStore, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return NewLogStore(f), nil
}

// Write writes the event to the underlying writer as a JSON line,
// filling in ID and Timestamp when absent.
func (s *LogStore) Write(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.writer.Write(append(data, '\n'))
	return err
}

// NopStore discards everything. Used when auditing is disabled.
type NopStore struct{}

func (NopStore) Write(ctx context.Context, event *Event) error { return nil }

// TamperEvidentStore wraps a Store and adds HMAC chaining.
type TamperEvidentStore struct {
	store        Store
	chainManager *ChainManager
	lastHash     string
	mu           sync.Mutex
}

func NewTamperEvidentStore(store Store, chainManager *ChainManager) *TamperEvidentStore {
	return &TamperEvidentStore{
		store:        store,
		chainManager: chainManager,
	}
}

// Write chains the event to the previous one and writes it to the
// underlying store.
func (s *TamperEvidentStore) Write(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	event.PreviousHash = s.lastHash
	hash, err := s.chainManager.ComputeHash(event)
	if err != nil {
		return err
	}
	event.Hash = hash
	s.lastHash = hash

	return s.store.Write(ctx, event)
}
