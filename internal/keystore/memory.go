package keystore

import (
	"context"
	"sync"
)

// MemoryStore implements Store with an in-process map. It is the reference
// implementation of the commit contract and the default backend for tests
// and single-node deployments without persistence requirements.
type MemoryStore struct {
	// mu guards the maps and the insertion order slice. It is held only
	// for map access, never across a mutator's critical section on
	// another key.
	mu      sync.RWMutex
	records map[string]KeyRecord
	order   []string

	// locks holds one mutex per key so commits on unrelated keys never
	// serialize against each other.
	locks map[string]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]KeyRecord),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Get returns the record for id.
func (s *MemoryStore) Get(ctx context.Context, id string) (KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return KeyRecord{}, ErrNotFound
	}
	return rec, nil
}

// List returns a snapshot of all records in insertion order.
func (s *MemoryStore) List(ctx context.Context) ([]KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]KeyRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out, nil
}

// Insert stores a new record.
func (s *MemoryStore) Insert(ctx context.Context, rec KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return ErrDuplicateID
	}
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	s.locks[rec.ID] = &sync.Mutex{}
	return nil
}

// Commit applies mutate under the record's per-key lock if and only if the
// stored version equals expectedVersion.
func (s *MemoryStore) Commit(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (KeyRecord, error) {
	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return KeyRecord{}, ErrNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	cur := s.records[id]
	s.mu.RUnlock()

	if cur.Version != expectedVersion {
		return KeyRecord{}, ErrConflict
	}

	next := mutate(cur)
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.Version = expectedVersion + 1

	s.mu.Lock()
	s.records[id] = next
	s.mu.Unlock()

	return next, nil
}

// Close clears the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]KeyRecord)
	s.locks = make(map[string]*sync.Mutex)
	s.order = nil
	return nil
}
