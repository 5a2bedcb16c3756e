package mapping

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Mapping
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Mapping)}
}

func (s *MemoryStore) Load(_ context.Context, canonicalID string) (Mapping, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.records[canonicalID]
	return m, ok, nil
}

func (s *MemoryStore) Update(_ context.Context, canonicalID string, fn UpdateFunc) (Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[canonicalID]
	next := fn(current, ok)
	s.records[canonicalID] = next

	return next, nil
}

func (s *MemoryStore) DeleteIf(_ context.Context, canonicalID string, cond func(Mapping) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[canonicalID]
	if !ok || !cond(current) {
		return false, nil
	}

	delete(s.records, canonicalID)
	return true, nil
}

// Range calls fn on a copy of the table so fn may call back into the store.
func (s *MemoryStore) Range(ctx context.Context, fn func(m Mapping) bool) error {
	s.mu.Lock()
	snapshot := make([]Mapping, 0, len(s.records))
	for _, m := range s.records {
		snapshot = append(snapshot, m)
	}
	s.mu.Unlock()

	for _, m := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(m) {
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
