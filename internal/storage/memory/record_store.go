package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/probgate/internal/solver"
)

// RecordStore keeps invocation records in a map. Records are write-once.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]solver.Record
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		records: make(map[string]solver.Record),
	}
}

// SaveRecord stores rec, refusing to overwrite an existing invocation.
func (s *RecordStore) SaveRecord(_ context.Context, rec solver.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	s.records[rec.ID] = rec
	return nil
}

// GetRecord returns the record for id or solver.ErrNotFound.
func (s *RecordStore) GetRecord(_ context.Context, id string) (solver.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return solver.Record{}, fmt.Errorf("record %s: %w", id, solver.ErrNotFound)
	}
	return rec, nil
}
