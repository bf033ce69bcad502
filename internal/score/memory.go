package score

import (
	"context"
	"sync"
)

// InMemoryStore keeps scores, feedback logs, and usage events in memory.
// Used by tests and the memory backend.
type InMemoryStore struct {
	mu       sync.RWMutex
	scores   map[string]*PersonaScore
	feedback map[string][]FeedbackEntry
	events   []UsageEvent
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		scores:   make(map[string]*PersonaScore),
		feedback: make(map[string][]FeedbackEntry),
	}
}

// GetScore returns a copy of the stored score, or nil.
func (m *InMemoryStore) GetScore(_ context.Context, personaID string) (*PersonaScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scores[personaID].Clone(), nil
}

// PutScore stores a copy of s.
func (m *InMemoryStore) PutScore(_ context.Context, s *PersonaScore) error {
	if s == nil || s.PersonaID == "" {
		return ErrEmptyPersonaID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[s.PersonaID] = s.Clone()
	return nil
}

// DeleteScore removes the score and feedback log for personaID.
func (m *InMemoryStore) DeleteScore(_ context.Context, personaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scores, personaID)
	delete(m.feedback, personaID)
	return nil
}

// AppendFeedback appends entry and keeps at most max entries.
func (m *InMemoryStore) AppendFeedback(_ context.Context, personaID string, entry FeedbackEntry, max int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := append(m.feedback[personaID], entry)
	if max > 0 && len(log) > max {
		log = append([]FeedbackEntry(nil), log[len(log)-max:]...)
	}
	m.feedback[personaID] = log
	return nil
}

// RecentFeedback returns up to n of the newest entries, oldest first.
func (m *InMemoryStore) RecentFeedback(_ context.Context, personaID string, n int) ([]FeedbackEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.feedback[personaID]
	if n > 0 && len(log) > n {
		log = log[len(log)-n:]
	}
	return append([]FeedbackEntry(nil), log...), nil
}

// RecordUsageEvent appends ev to the event list.
func (m *InMemoryStore) RecordUsageEvent(_ context.Context, ev UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// UsageEvents returns a copy of every recorded event.
func (m *InMemoryStore) UsageEvents() []UsageEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]UsageEvent(nil), m.events...)
}

var (
	_ Store       = (*InMemoryStore)(nil)
	_ FeedbackLog = (*InMemoryStore)(nil)
	_ EventSink   = (*InMemoryStore)(nil)
)
