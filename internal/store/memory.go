package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used when no DSN is configured and
// in tests. State does not survive restarts.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]InstanceRecord
	sessions  map[string]SessionRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]InstanceRecord),
		sessions:  make(map[string]SessionRecord),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) SaveInstance(ctx context.Context, rec InstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = time.Now()
	s.instances[rec.DefinitionID] = rec
	return nil
}

func (s *MemoryStore) DeleteInstance(ctx context.Context, definitionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, definitionID)
	return nil
}

func (s *MemoryStore) ListInstances(ctx context.Context) ([]InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]InstanceRecord, 0, len(s.instances))
	for _, rec := range s.instances {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DefinitionID < out[j].DefinitionID })
	return out, nil
}

func (s *MemoryStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.LastUsed = time.Now()
	s.sessions[rec.DefinitionID] = rec
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, definitionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, definitionID)
	return nil
}

func (s *MemoryStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DefinitionID < out[j].DefinitionID })
	return out, nil
}
