package hipaa

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryScanStore keeps scan records in memory.
type MemoryScanStore struct {
	mu    sync.RWMutex
	scans map[string]ScanRecord
}

func NewMemoryScanStore() *MemoryScanStore {
	return &MemoryScanStore{scans: make(map[string]ScanRecord)}
}

func (s *MemoryScanStore) Create(_ context.Context, rec *ScanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scans[rec.ID]; ok {
		return fmt.Errorf("security scan %s already exists", rec.ID)
	}
	s.scans[rec.ID] = *rec
	return nil
}

func (s *MemoryScanStore) Complete(_ context.Context, id string, findings map[string]EntityFindings, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.scans[id]
	if !ok {
		return ErrScanNotFound
	}
	if rec.Status != ScanInProgress {
		return &InvalidScanStateError{ScanID: id, Status: rec.Status}
	}
	rec.Status = ScanCompleted
	rec.Findings = findings
	rec.CompletedAt = &at
	s.scans[id] = rec
	return nil
}

func (s *MemoryScanStore) Fail(_ context.Context, id string, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.scans[id]
	if !ok {
		return ErrScanNotFound
	}
	rec.Status = ScanFailed
	rec.Error = reason
	rec.CompletedAt = &at
	s.scans[id] = rec
	return nil
}

func (s *MemoryScanStore) Get(_ context.Context, id string) (*ScanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.scans[id]
	if !ok {
		return nil, ErrScanNotFound
	}
	rec.Remediations = append([]RemediationReport(nil), rec.Remediations...)
	return &rec, nil
}

func (s *MemoryScanStore) AppendRemediation(_ context.Context, id string, report RemediationReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.scans[id]
	if !ok {
		return ErrScanNotFound
	}
	rec.Remediations = append(rec.Remediations, report)
	s.scans[id] = rec
	return nil
}

// MemoryEntityStore holds practice records in memory, keyed by entity type
// and record id.
type MemoryEntityStore struct {
	mu      sync.RWMutex
	records map[string]map[string]map[string]string
}

func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{records: make(map[string]map[string]map[string]string)}
}

// Put stores or replaces a record's field values.
func (s *MemoryEntityStore) Put(entityType, id string, values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.records[entityType]
	if !ok {
		byID = make(map[string]map[string]string)
		s.records[entityType] = byID
	}
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	byID[id] = cp
}

// Value returns a stored field value.
func (s *MemoryEntityStore) Value(entityType, id, field string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[entityType][id][field]
}

func (s *MemoryEntityStore) ListRecords(_ context.Context, target ScanTarget) ([]EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := s.records[target.EntityType]
	out := make([]EntityRecord, 0, len(byID))
	for id, values := range byID {
		r := EntityRecord{ID: id, Values: make(map[string]string, len(target.Fields))}
		for _, f := range target.Fields {
			r.Values[f.Name] = values[f.Name]
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryEntityStore) GetField(_ context.Context, target ScanTarget, recordID string, field ScanField) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values, ok := s.records[target.EntityType][recordID]
	if !ok {
		return "", false, nil
	}
	return values[field.Name], true, nil
}

func (s *MemoryEntityStore) UpdateFieldIf(_ context.Context, target ScanTarget, recordID string, field ScanField, old, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, ok := s.records[target.EntityType][recordID]
	if !ok || values[field.Name] != old {
		return false, nil
	}
	values[field.Name] = value
	return true, nil
}
