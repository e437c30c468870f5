package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process store backend. A single mutex protects the
// record map, which makes TryReserve's check-and-insert atomic without a
// separate conditional-write primitive. Suitable for single-process
// deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// TryReserve atomically claims the identifier under the store mutex.
func (s *MemoryStore) TryReserve(_ context.Context, id string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if exists {
		switch rec.State {
		case StatePending:
			return Reservation{Result: AlreadyReserved, PendingSince: rec.FirstSeenAt}, nil
		case StateCommitted:
			return Reservation{Result: AlreadyCommitted}, nil
		}
		// Rolled back: the identifier is admittable again, fall through
		// and re-claim it.
	}

	now := s.now()
	s.records[id] = &Record{
		ID:            id,
		State:         StatePending,
		FirstSeenAt:   now,
		LastTouchedAt: now,
	}
	return Reservation{Result: Reserved}, nil
}

// Commit transitions the id's Pending record to Committed.
func (s *MemoryStore) Commit(_ context.Context, id string) error {
	return s.transition(id, StateCommitted)
}

// Rollback transitions the id's Pending record to RolledBack.
func (s *MemoryStore) Rollback(_ context.Context, id string) error {
	return s.transition(id, StateRolledBack)
}

func (s *MemoryStore) transition(id string, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists || rec.State != StatePending {
		return ErrNotFound
	}

	rec.State = to
	rec.LastTouchedAt = s.now()
	return nil
}

// IsCommitted reports whether the id has a Committed record.
func (s *MemoryStore) IsCommitted(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	return exists && rec.State == StateCommitted, nil
}

// ReleaseStuck rolls back the id's Pending record iff it predates the cutoff.
func (s *MemoryStore) ReleaseStuck(_ context.Context, id string, pendingBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists || rec.State != StatePending || !rec.FirstSeenAt.Before(pendingBefore) {
		return false, nil
	}

	rec.State = StateRolledBack
	rec.LastTouchedAt = s.now()
	return true, nil
}

// EvictOlderThan removes Committed and RolledBack records last touched
// before the cutoff. Pending records are never removed.
func (s *MemoryStore) EvictOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, rec := range s.records {
		if rec.State == StatePending {
			continue
		}
		if rec.LastTouchedAt.Before(cutoff) {
			delete(s.records, id)
			evicted++
		}
	}
	return evicted, nil
}

// ListExpired returns up to limit Committed records last touched before the
// cutoff, oldest first.
func (s *MemoryStore) ListExpired(_ context.Context, cutoff time.Time, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Record
	for _, rec := range s.records {
		if rec.State == StateCommitted && rec.LastTouchedAt.Before(cutoff) {
			expired = append(expired, *rec)
		}
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].LastTouchedAt.Before(expired[j].LastTouchedAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// Close drops all records.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = nil
	return nil
}

// Len returns the number of records currently held, in any state.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}

var _ Store = (*MemoryStore)(nil)
