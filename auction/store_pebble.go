package auction

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

var (
	pebbleAuctionPrefix = []byte("auction/")
	pebbleSeqKey        = []byte("auction_seq")
)

// PebbleStore persists auction records in a pebble database. Records are
// JSON-encoded under big-endian id keys so iteration order matches id order;
// the id sequence lives under its own key.
type PebbleStore struct {
	mu sync.Mutex
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) a pebble-backed auction store at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open auction store at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func pebbleAuctionKey(id uint64) []byte {
	key := make([]byte, len(pebbleAuctionPrefix)+8)
	copy(key, pebbleAuctionPrefix)
	binary.BigEndian.PutUint64(key[len(pebbleAuctionPrefix):], id)
	return key
}

// NextID allocates the next auction id. The sequence write is synced so ids
// are never reused after a crash.
func (s *PebbleStore) NextID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next uint64 = 1
	value, closer, err := s.db.Get(pebbleSeqKey)
	if err == nil {
		next = binary.BigEndian.Uint64(value) + 1
		closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return 0, fmt.Errorf("auction sequence read failed: %w", err)
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	if err := s.db.Set(pebbleSeqKey, buf[:], pebble.Sync); err != nil {
		return 0, fmt.Errorf("auction sequence write failed: %w", err)
	}
	return next, nil
}

// Put inserts or replaces the record.
func (s *PebbleStore) Put(a *Auction) error {
	encoded, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode auction %d: %w", a.ID, err)
	}
	if err := s.db.Set(pebbleAuctionKey(a.ID), encoded, pebble.Sync); err != nil {
		return fmt.Errorf("auction store write failed: %w", err)
	}
	return nil
}

// Get returns the record or ErrNotFound.
func (s *PebbleStore) Get(id uint64) (*Auction, error) {
	value, closer, err := s.db.Get(pebbleAuctionKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auction store read failed: %w", err)
	}
	defer closer.Close()

	var a Auction
	if err := json.Unmarshal(value, &a); err != nil {
		return nil, fmt.Errorf("failed to decode auction %d: %w", id, err)
	}
	return &a, nil
}

// Delete removes the record.
func (s *PebbleStore) Delete(id uint64) error {
	key := pebbleAuctionKey(id)
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("auction store read failed: %w", err)
	}
	closer.Close()

	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("auction store delete failed: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}
