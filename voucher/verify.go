package voucher

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EIP1271MagicValue is the bytes4 value isValidSignature returns on success.
var EIP1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

// ErrSignatureMismatch is returned when a signature is well formed but was
// not produced by the claimed signer.
var ErrSignatureMismatch = errors.New("signature does not match signer")

// ErrContractSignerRejected is returned when an EIP-1271 signer declines the
// signature (no magic value).
var ErrContractSignerRejected = errors.New("contract signer rejected signature")

// ContractVerifier validates a digest/signature pair against a contract
// signer's own isValidSignature entry point. Implementations must return true
// only when the call returns the EIP-1271 magic value.
type ContractVerifier interface {
	IsValidSignature(ctx context.Context, signer common.Address, digest [32]byte, signature []byte) (bool, error)
}

// Sign signs the voucher digest with an EOA private key and returns a 65-byte
// (r, s, v) signature with v in {27, 28}, the convention wallets emit.
func (a *Authenticator) Sign(v *Voucher, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := a.Digest(v)
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign voucher: %w", err)
	}

	sig[64] += 27
	return sig, nil
}

// Verify checks that signer endorsed the voucher.
//
// EOA signers are checked by secp256k1 recovery: the recovered address must
// equal the claimed signer. Contract signers (voucher.ContractSigner set) are
// checked by delegating to the signer contract's isValidSignature; the
// claimed signer must be the contract itself.
func (a *Authenticator) Verify(
	ctx context.Context,
	v *Voucher,
	signer common.Address,
	signature []byte,
	verifier ContractVerifier,
) error {
	digest, err := a.Digest(v)
	if err != nil {
		return err
	}

	if v.UsesContractSigner() {
		if signer != v.ContractSigner {
			return fmt.Errorf("%w: claimed signer %s is not the contract signer %s",
				ErrSignatureMismatch, signer.Hex(), v.ContractSigner.Hex())
		}
		if verifier == nil {
			return fmt.Errorf("contract signer %s requires a contract verifier", signer.Hex())
		}
		valid, err := verifier.IsValidSignature(ctx, signer, digest, signature)
		if err != nil {
			return fmt.Errorf("contract signature validation failed: %w", err)
		}
		if !valid {
			return ErrContractSignerRejected
		}
		return nil
	}

	recovered, err := RecoverSigner(digest, signature)
	if err != nil {
		return err
	}
	if recovered != signer {
		return fmt.Errorf("%w: recovered %s, expected %s",
			ErrSignatureMismatch, recovered.Hex(), signer.Hex())
	}
	return nil
}

// RecoverSigner recovers the EOA address that signed the digest. Accepts the
// wallet convention v in {27, 28} as well as raw {0, 1}.
func RecoverSigner(digest [32]byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}
