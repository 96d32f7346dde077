package store

import (
	"context"
	"strings"
	"sync"

	apperrors "execd/pkg/errors"
)

type memoryEntry struct {
	value   []byte
	version int64
}

// MemoryStore implements core.IKVStore in memory with the same conditional
// update semantics as the sqlite store. Used in tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, 0, apperrors.ErrKeyNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, e.version, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[key]
	if expectedVersion == 0 {
		if exists {
			return 0, apperrors.ErrVersionConflict
		}
		s.entries[key] = memoryEntry{value: clone(value), version: 1}
		return 1, nil
	}

	if !exists || e.version != expectedVersion {
		return 0, apperrors.ErrVersionConflict
	}
	s.entries[key] = memoryEntry{value: clone(value), version: e.version + 1}
	return e.version + 1, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[key]
	if expectedVersion != 0 && (!exists || e.version != expectedVersion) {
		return apperrors.ErrVersionConflict
	}
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]byte)
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) {
			out[k] = clone(e.value)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
