package registry

import (
	"context"
	"iter"
	"slices"
	"sync"
)

// MemoryStore is a Store that keeps records in memory, in insertion order.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
	order   []string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

// List yields a snapshot taken when iteration starts.
func (s *MemoryStore) List(_ context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		s.mu.RLock()
		snap := make([][]byte, 0, len(s.order))
		for _, id := range s.order {
			snap = append(snap, slices.Clone(s.records[id]))
		}
		s.mu.RUnlock()

		for _, rec := range snap {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return slices.Clone(rec), nil
}

func (s *MemoryStore) Put(_ context.Context, id string, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		s.order = append(s.order, id)
	}
	s.records[id] = slices.Clone(record)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; ok {
		delete(s.records, id)
		s.order = removeID(s.order, id)
	}
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

var _ Store = (*MemoryStore)(nil)
