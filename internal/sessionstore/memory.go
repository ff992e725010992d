package sessionstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 进程内实现，用于开发与测试
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]Entry // attemptId -> scope key -> entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]Entry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Save(_ context.Context, scope Scope, payload []byte) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	byAttempt, ok := s.records[scope.AttemptID]
	if !ok {
		byAttempt = make(map[string]Entry)
		s.records[scope.AttemptID] = byAttempt
	}
	byAttempt[scope.Key()] = Entry{Scope: scope, Payload: buf, UpdatedAt: s.now()}
	return nil
}

func (s *MemoryStore) Load(_ context.Context, scope Scope) ([]byte, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.records[scope.AttemptID][scope.Key()]
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(e.Payload))
	copy(buf, e.Payload)
	return buf, nil
}

func (s *MemoryStore) LoadAttempt(_ context.Context, attemptID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.records[attemptID]))
	for _, e := range s.records[attemptID] {
		buf := make([]byte, len(e.Payload))
		copy(buf, e.Payload)
		out = append(out, Entry{Scope: e.Scope, Payload: buf, UpdatedAt: e.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope.Key() < out[j].Scope.Key() })
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context, attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, attemptID)
	return nil
}
