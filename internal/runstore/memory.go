package runstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]RunRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]RunRecord)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec
	return &out, nil
}

func (s *MemoryStore) Put(ctx context.Context, rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.IdempotencyKey] = *rec
	return nil
}

func (s *MemoryStore) ListByDate(ctx context.Context, logicalDate string) ([]*RunRecord, error) {
	return s.list(func(r RunRecord) bool { return r.LogicalDate == logicalDate })
}

func (s *MemoryStore) ListByStage(ctx context.Context, stage Stage) ([]*RunRecord, error) {
	return s.list(func(r RunRecord) bool { return r.Stage == stage })
}

func (s *MemoryStore) ListRunning(ctx context.Context) ([]*RunRecord, error) {
	return s.list(func(r RunRecord) bool { return r.Status == StatusRunning })
}

func (s *MemoryStore) list(match func(RunRecord) bool) ([]*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RunRecord
	for _, rec := range s.records {
		if match(rec) {
			r := rec
			out = append(out, &r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
