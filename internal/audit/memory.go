package audit

import (
	"context"
	"sync"
	"time"

	"execd/internal/core"
)

// MemorySink implements core.IAuditSink in memory for tests
type MemorySink struct {
	mu      sync.Mutex
	nextID  int64
	entries []core.AuditEntry
	// FailNext forces the next append to fail, for write-barrier tests
	FailNext error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{nextID: 1}
}

func (s *MemorySink) Append(ctx context.Context, entry *core.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		return err
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.EventID = s.nextID
	s.nextID++
	s.entries = append(s.entries, *entry)
	return nil
}

// Entries returns a copy of all recorded entries
func (s *MemorySink) Entries() []core.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ByKind returns recorded entries with the given kind
func (s *MemorySink) ByKind(kind string) []core.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.AuditEntry
	for _, e := range s.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemorySink) Close() error {
	return nil
}
