package idempotency

import (
	"context"
	"sync"
)

// MemoryStore implements the reserve/release semantics in-process, for tests
// and single-run tooling.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]*memoryRecord
}

type memoryRecord struct {
	status   string
	attempts int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*memoryRecord)}
}

func (s *MemoryStore) Reserve(ctx context.Context, dedupeKey string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.keys[dedupeKey]
	switch {
	case ok && rec.status == statusCompleted:
		return Reservation{AlreadyProcessed: true, Reason: ReasonAlreadyCompleted}, nil
	case ok:
		return Reservation{Reason: ReasonInProgress}, nil
	default:
		s.keys[dedupeKey] = &memoryRecord{status: statusInProgress, attempts: 1}
		return Reservation{Acquired: true}, nil
	}
}

func (s *MemoryStore) Release(ctx context.Context, dedupeKey string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if success {
		if rec, ok := s.keys[dedupeKey]; ok {
			rec.status = statusCompleted
		} else {
			s.keys[dedupeKey] = &memoryRecord{status: statusCompleted}
		}
		return nil
	}
	if rec, ok := s.keys[dedupeKey]; ok && rec.status == statusInProgress {
		delete(s.keys, dedupeKey)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
