package hipaa

import (
	"context"
	"sync"
)

// MemoryAuditSink keeps audit entries and access attempts in memory. It is
// used in development and tests.
type MemoryAuditSink struct {
	mu       sync.RWMutex
	entries  []AuditEntry
	attempts []AccessAttempt
}

// NewMemoryAuditSink creates an empty sink.
func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{}
}

func (s *MemoryAuditSink) RecordAudit(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryAuditSink) RecordAccessAttempt(_ context.Context, attempt AccessAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

// Entries returns a copy of the recorded audit entries.
func (s *MemoryAuditSink) Entries() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// EntriesWithAction returns the entries whose action matches.
func (s *MemoryAuditSink) EntriesWithAction(action string) []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AuditEntry
	for _, e := range s.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// AccessAttempts returns a copy of the recorded access attempts.
func (s *MemoryAuditSink) AccessAttempts() []AccessAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AccessAttempt, len(s.attempts))
	copy(out, s.attempts)
	return out
}
