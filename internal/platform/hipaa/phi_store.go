package hipaa

import (
	"context"
	"sync"
	"time"
)

// Category tags a PHI record with the kind of identifier it holds.
type Category string

const (
	CategoryPhone       Category = "PHONE"
	CategoryNationalID  Category = "NATIONAL_ID"
	CategoryEmail       Category = "EMAIL"
	CategoryDateOfBirth Category = "DATE_OF_BIRTH"
	CategoryAddress     Category = "ADDRESS"
	CategoryFreeText    Category = "FREE_TEXT"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryPhone, CategoryNationalID, CategoryEmail, CategoryDateOfBirth, CategoryAddress, CategoryFreeText:
		return true
	}
	return false
}

// PHIRecord is the persisted unit of protected data. Ciphertext is always an
// encrypted blob; plaintext is never stored.
type PHIRecord struct {
	Token          string    `json:"token"`
	OwnerID        string    `json:"owner_id"`
	Category       Category  `json:"category"`
	Ciphertext     string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// PHIStore persists PHI records keyed by token.
type PHIStore interface {
	// Upsert inserts rec or, when the token exists, replaces its owner,
	// category and ciphertext and refreshes last_accessed_at. Atomic.
	Upsert(ctx context.Context, rec *PHIRecord) error
	// Get returns ErrUnknownToken when the token does not exist.
	Get(ctx context.Context, token string) (*PHIRecord, error)
	// Touch sets last_accessed_at. Returns ErrUnknownToken on a miss.
	Touch(ctx context.Context, token string, at time.Time) error
}

// MemoryPHIStore is an in-memory PHIStore for development and tests.
type MemoryPHIStore struct {
	mu      sync.RWMutex
	records map[string]PHIRecord
}

// NewMemoryPHIStore creates an empty store.
func NewMemoryPHIStore() *MemoryPHIStore {
	return &MemoryPHIStore{records: make(map[string]PHIRecord)}
}

func (s *MemoryPHIStore) Upsert(_ context.Context, rec *PHIRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.Token]; ok {
		existing.OwnerID = rec.OwnerID
		existing.Category = rec.Category
		existing.Ciphertext = rec.Ciphertext
		existing.LastAccessedAt = rec.LastAccessedAt
		s.records[rec.Token] = existing
		return nil
	}
	s.records[rec.Token] = *rec
	return nil
}

func (s *MemoryPHIStore) Get(_ context.Context, token string) (*PHIRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[token]
	if !ok {
		return nil, ErrUnknownToken
	}
	return &rec, nil
}

func (s *MemoryPHIStore) Touch(_ context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[token]
	if !ok {
		return ErrUnknownToken
	}
	rec.LastAccessedAt = at
	s.records[token] = rec
	return nil
}

// Len returns the number of stored records.
func (s *MemoryPHIStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
