package cache

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory. Entries are lost on exit;
// it serves tests and one-off runs that should not touch the disk.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	logger  *slog.Logger
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		entries: make(map[string]Entry),
		logger:  o.logger.With("cache", "memory"),
		now:     o.now,
	}
}

// Has implements Store.
func (s *MemoryStore) Has(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	entry, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	entry.Payload = bytes.Clone(entry.Payload)
	return &entry, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, id string, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("cache: %s: %w", id, ErrEmptyPayload)
	}

	entry := Entry{
		ID:        id,
		Payload:   bytes.Clone(payload),
		FetchedAt: s.now().UTC(),
		Digest:    Sum(payload),
	}

	s.mu.Lock()
	previous, hadPrevious := s.entries[id]
	s.entries[id] = entry
	s.mu.Unlock()

	if hadPrevious {
		logReplacement(s.logger, id, previous.Digest, entry.Digest)
	}
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if namespace == "" {
		clear(s.entries)
		return nil
	}
	for id := range s.entries {
		if NamespaceOf(id) == namespace {
			delete(s.entries, id)
		}
	}
	return nil
}

// Location implements Store.
func (s *MemoryStore) Location(string) string { return "memory" }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of entries held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
