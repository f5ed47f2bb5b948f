package auction

import "sync"

// MemoryStore keeps auction records in a mutex-guarded map. Suitable for
// single-instance deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	auctions map[uint64]*Auction
	nextID   uint64
}

// NewMemoryStore creates an empty in-memory auction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions: make(map[uint64]*Auction),
	}
}

// NextID allocates the next auction id.
func (s *MemoryStore) NextID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}

// Put inserts or replaces the record.
func (s *MemoryStore) Put(a *Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auctions[a.ID] = a.clone()
	return nil
}

// Get returns a copy of the record or ErrNotFound.
func (s *MemoryStore) Get(id uint64) (*Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

// Delete removes the record.
func (s *MemoryStore) Delete(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[id]; !ok {
		return ErrNotFound
	}
	delete(s.auctions, id)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
