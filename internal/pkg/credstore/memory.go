package credstore

import (
	"context"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]TokenRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]TokenRecord)}
}

func (s *MemoryStore) Get(_ context.Context, key Key) (TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recs[key.String()]
	if !ok {
		return TokenRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Set(_ context.Context, rec TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.Key().String()] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, key.String())
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TokenRecord, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}
