package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory SandboxStore. Records do not survive a
// restart, so startup reconciliation will tear down whatever the backend
// still has live. Used by tests and for throwaway deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]*SandboxRecord
}

var _ SandboxStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*SandboxRecord)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*SandboxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Find(_ context.Context, pred func(*SandboxRecord) bool) (*SandboxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.recs {
		if pred(rec) {
			return rec.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Values(_ context.Context) ([]*SandboxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*SandboxRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Insert(_ context.Context, rec *SandboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.recs[rec.ID]; exists {
		return ErrConflict
	}
	s.recs[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.recs, id)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, id string, mutate func(*SandboxRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return ErrNotFound
	}
	cp := rec.Clone()
	if err := mutate(cp); err != nil {
		return err
	}
	cp.ID = id // the id is immutable
	s.recs[id] = cp
	return nil
}

func (s *MemoryStore) Replace(_ context.Context, recs map[string]*SandboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*SandboxRecord, len(recs))
	for id, rec := range recs {
		next[id] = rec.Clone()
	}
	s.recs = next
	return nil
}

func (s *MemoryStore) Close() error { return nil }
