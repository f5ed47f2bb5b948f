package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// PebbleStore persists voided digests in a pebble key-value database so that
// replay protection survives process restarts. Keys are the 52-byte
// signer‖digest concatenation; the value is a single marker byte.
type PebbleStore struct {
	// mu serializes Void's read-check-write so the test-and-set contract
	// holds across concurrent settlements.
	mu sync.Mutex
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) a pebble-backed replay store at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open replay store at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// IsVoided reports whether the digest has been voided for the signer.
func (s *PebbleStore) IsVoided(signer common.Address, digest [32]byte) (bool, error) {
	key := storeKey(signer, digest)
	_, closer, err := s.db.Get(key[:])
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("replay store read failed: %w", err)
	}
	closer.Close()
	return true, nil
}

// Void marks the digest voided for the signer, reporting whether this call
// set the entry. The write is synced so a crash directly after settlement
// cannot resurrect a consumed voucher.
func (s *PebbleStore) Void(signer common.Address, digest [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(signer, digest)
	_, closer, err := s.db.Get(key[:])
	if err == nil {
		closer.Close()
		return false, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return false, fmt.Errorf("replay store read failed: %w", err)
	}
	if err := s.db.Set(key[:], []byte{1}, pebble.Sync); err != nil {
		return false, fmt.Errorf("replay store write failed: %w", err)
	}
	return true, nil
}

// Rollback clears the entry for the signer/digest pair.
func (s *PebbleStore) Rollback(signer common.Address, digest [32]byte) error {
	key := storeKey(signer, digest)
	if err := s.db.Delete(key[:], pebble.Sync); err != nil {
		return fmt.Errorf("replay store delete failed: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}
