// Package registry implements the replay-protection registry: a signer-scoped
// record of voucher digests that are no longer valid. Entries default to "not
// voided" and are set once, either by an explicit signer-initiated void or
// implicitly when a settlement path consumes a voucher. Callers must check
// IsVoided before honoring any voucher; forgetting the check is the dangerous
// failure mode, not a false positive.
package registry

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("replay registry store is closed")

// ErrAlreadyVoided is returned by Consume when the digest was voided before
// the call, either by an explicit void or by a competing settlement.
var ErrAlreadyVoided = errors.New("voucher digest is already voided")

// Store persists (signer, digest) → voided flags. Implementations must be
// safe for concurrent use.
//
// The interface is designed to support both in-memory and durable backends
// for different deployment scenarios.
type Store interface {
	// IsVoided reports whether the digest has been voided for the signer.
	IsVoided(signer common.Address, digest [32]byte) (bool, error)

	// Void marks the digest voided for the signer and reports whether this
	// call set the entry. The test-and-set must be atomic: of any number of
	// concurrent calls for the same pair, exactly one observes true.
	Void(signer common.Address, digest [32]byte) (bool, error)

	// Rollback clears an entry written earlier in the same settlement.
	// It exists solely so a settlement that aborts after consuming a digest
	// can restore the pre-call state; explicit signer-initiated voids are
	// never rolled back.
	Rollback(signer common.Address, digest [32]byte) error

	// Close releases any resources held by the store.
	Close() error
}

// Registry wraps a Store with the registry's call-level semantics.
type Registry struct {
	store Store
}

// New creates a Registry over the given store.
func New(store Store) *Registry {
	return &Registry{store: store}
}

// IsVoided reports whether (signer, digest) has been consumed or revoked.
func (r *Registry) IsVoided(signer common.Address, digest [32]byte) (bool, error) {
	return r.store.IsVoided(signer, digest)
}

// Void marks every digest voided for the signer. Idempotent; the caller is
// responsible for ensuring the request actually came from the signer.
func (r *Registry) Void(signer common.Address, digests ...[32]byte) error {
	for _, digest := range digests {
		if _, err := r.store.Void(signer, digest); err != nil {
			return fmt.Errorf("failed to void digest %x for %s: %w", digest, signer.Hex(), err)
		}
	}
	return nil
}

// Consume marks the digest voided as part of a settlement. It is the replay
// gate: of any number of settlements racing on the same digest, exactly one
// Consume succeeds and the rest fail with ErrAlreadyVoided. It must be
// called before any external transfer so a reentrant callback observes the
// digest as already spent.
func (r *Registry) Consume(signer common.Address, digest [32]byte) error {
	set, err := r.store.Void(signer, digest)
	if err != nil {
		return err
	}
	if !set {
		return ErrAlreadyVoided
	}
	return nil
}

// Rollback restores a digest consumed by a settlement that later aborted.
func (r *Registry) Rollback(signer common.Address, digest [32]byte) error {
	return r.store.Rollback(signer, digest)
}

// Close closes the underlying store.
func (r *Registry) Close() error {
	return r.store.Close()
}

// storeKey builds the byte key for a (signer, digest) pair.
func storeKey(signer common.Address, digest [32]byte) [52]byte {
	var key [52]byte
	copy(key[:20], signer.Bytes())
	copy(key[20:], digest[:])
	return key
}
