package registry

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore provides an in-memory implementation of Store.
//
// Suitable for single-instance deployments and tests; state is lost on
// restart. Use PebbleStore when voided digests must survive a process
// restart.
type MemoryStore struct {
	mu     sync.Mutex
	voided map[[52]byte]struct{}
	closed bool
}

// NewMemoryStore creates an empty in-memory replay store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		voided: make(map[[52]byte]struct{}),
	}
}

// IsVoided reports whether the digest has been voided for the signer.
func (s *MemoryStore) IsVoided(signer common.Address, digest [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.voided[storeKey(signer, digest)]
	return ok, nil
}

// Void marks the digest voided for the signer, reporting whether this call
// set the entry.
func (s *MemoryStore) Void(signer common.Address, digest [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	key := storeKey(signer, digest)
	if _, ok := s.voided[key]; ok {
		return false, nil
	}
	s.voided[key] = struct{}{}
	return true, nil
}

// Rollback clears the entry for the signer/digest pair.
func (s *MemoryStore) Rollback(signer common.Address, digest [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.voided, storeKey(signer, digest))
	return nil
}

// Close marks the store closed; subsequent calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
