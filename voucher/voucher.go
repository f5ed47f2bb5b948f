// Package voucher implements the typed-data signature domain for off-chain
// signed trade orders. A voucher is hashed with EIP-712 so that the digest is
// scoped to one marketplace deployment on one chain, and is verifiable either
// by secp256k1 recovery (EOA signers) or by an EIP-1271 contract call
// (contract signers).
package voucher

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind selects the settlement path a voucher authorizes. The two kinds share
// one field set but hash under different primary types, so a mint voucher can
// never be replayed as a sale voucher.
type Kind string

const (
	// KindMint authorizes a mint-on-sale: the asset does not exist yet and
	// is minted to the buyer at settlement time.
	KindMint Kind = "MintVoucher"

	// KindSale authorizes the sale of an existing asset held by the signer.
	KindSale Kind = "SaleVoucher"
)

// Voucher is an off-chain signed trade offer. It is immutable once signed;
// any field change produces a different digest and therefore a different
// signature requirement.
type Voucher struct {
	Kind Kind

	// Price is the asking price in the smallest unit of the payment currency.
	Price *big.Int

	// Expiry is the unix timestamp after which the voucher is no longer
	// redeemable. Zero means the voucher never expires; the signer can
	// still revoke it through the replay registry. Checked independently
	// of voiding.
	Expiry uint64

	// TokenID identifies the asset within its collection.
	TokenID *big.Int

	// Quantity is the number of editions covered (1 for unique assets).
	Quantity uint64

	// Salt distinguishes otherwise identical offers from the same signer.
	Salt *big.Int

	// Buyer, when non-zero, restricts redemption to that address.
	Buyer common.Address

	// ContractSigner, when non-zero, indicates the signature must be
	// validated by an EIP-1271 call to this address instead of recovery.
	ContractSigner common.Address

	// RoyaltyRecipient and RoyaltyBps configure the creator royalty the
	// voucher commits to (basis points of the sale price).
	RoyaltyRecipient common.Address
	RoyaltyBps       uint64

	// CommissionBps and CommissionRecipients are parallel lists of
	// seller-configured payouts carved out of the proceeds.
	CommissionBps        []uint64
	CommissionRecipients []common.Address
}

// Validate checks the structural invariants that must hold before a voucher
// is hashed or redeemed.
func (v *Voucher) Validate() error {
	if v.Kind != KindMint && v.Kind != KindSale {
		return fmt.Errorf("unknown voucher kind %q", v.Kind)
	}
	if v.Price == nil || v.Price.Sign() < 0 {
		return fmt.Errorf("voucher price must be a non-negative integer")
	}
	if v.TokenID == nil {
		return fmt.Errorf("voucher token id is required")
	}
	if v.Salt == nil {
		return fmt.Errorf("voucher salt is required")
	}
	if v.Quantity == 0 {
		return fmt.Errorf("voucher quantity must be at least 1")
	}
	if len(v.CommissionBps) != len(v.CommissionRecipients) {
		return fmt.Errorf("commission lists have mismatched lengths: %d bps vs %d recipients",
			len(v.CommissionBps), len(v.CommissionRecipients))
	}
	return nil
}

// RestrictedTo reports whether redemption is limited to a single buyer.
func (v *Voucher) RestrictedTo() (common.Address, bool) {
	if v.Buyer == (common.Address{}) {
		return common.Address{}, false
	}
	return v.Buyer, true
}

// UsesContractSigner reports whether signature validation must go through an
// EIP-1271 call rather than key recovery.
func (v *Voucher) UsesContractSigner() bool {
	return v.ContractSigner != (common.Address{})
}

// toMessage converts the voucher into the EIP-712 message shape. Amounts are
// passed as *big.Int and addresses as checksummed hex strings, matching what
// the typed-data encoder expects.
func (v *Voucher) toMessage() map[string]interface{} {
	commissionBps := make([]interface{}, len(v.CommissionBps))
	for i, bps := range v.CommissionBps {
		commissionBps[i] = new(big.Int).SetUint64(bps)
	}
	commissionRecipients := make([]interface{}, len(v.CommissionRecipients))
	for i, addr := range v.CommissionRecipients {
		commissionRecipients[i] = addr.Hex()
	}

	return map[string]interface{}{
		"price":                v.Price,
		"expiry":               new(big.Int).SetUint64(v.Expiry),
		"tokenId":              v.TokenID,
		"quantity":             new(big.Int).SetUint64(v.Quantity),
		"salt":                 v.Salt,
		"buyer":                v.Buyer.Hex(),
		"contractSigner":       v.ContractSigner.Hex(),
		"royaltyRecipient":     v.RoyaltyRecipient.Hex(),
		"royaltyBps":           new(big.Int).SetUint64(v.RoyaltyBps),
		"commissionBps":        commissionBps,
		"commissionRecipients": commissionRecipients,
	}
}
