// Package payout turns one gross payment into a disjoint split across
// platform fee, creator royalty, sales commissions, and seller proceeds. The
// split is computed in full before any transfer is issued, and the running
// seller remainder can never underflow: a configuration whose deductions
// exceed the gross amount aborts the whole settlement with no partial payout.
package payout

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openmint/settlement/royalty"
)

// BpsDenominator is the basis-point scale for fee and commission rates.
const BpsDenominator = 10_000

var (
	// ErrInsufficientGross is returned when fee, royalty, and commissions
	// together exceed the gross amount.
	ErrInsufficientGross = errors.New("deductions exceed gross amount")

	// ErrInvalidGross is returned for nil or negative gross amounts.
	ErrInvalidGross = errors.New("gross amount must be a non-negative integer")
)

// TransferError is returned when executing the split fails partway. Executed
// counts the transfers that completed before the failure: when it is nonzero,
// funds have already moved and the caller must not treat the settlement as
// never having happened.
type TransferError struct {
	Executed int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("payout aborted after %d transfers: %v", e.Executed, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// FundsTransferrer moves payment value to a recipient. Implementations must
// report failure (a rejecting recipient, a failed transaction) as an error;
// silently swallowing a failed transfer would break the settlement
// invariants.
type FundsTransferrer interface {
	TransferValue(ctx context.Context, to common.Address, amount *big.Int) error
}

// RoyaltyResolver is the lookup capability the distributor needs for resale
// settlements. *royalty.Resolver satisfies it.
type RoyaltyResolver interface {
	Resolve(ctx context.Context, asset common.Address, tokenID, salePrice *big.Int) (*royalty.Split, error)
}

// Commission is one seller-configured payout carved out of the proceeds.
type Commission struct {
	Recipient common.Address
	Bps       uint64
}

// FixedRoyalty is a royalty committed to in a voucher, bypassing on-chain
// resolution.
type FixedRoyalty struct {
	Recipient common.Address
	Bps       uint64
}

// Request describes one settlement's distribution.
type Request struct {
	// Gross is the full amount received from the buyer.
	Gross *big.Int

	// Seller receives the remainder after all deductions.
	Seller common.Address

	// Asset and TokenID identify what was sold, for royalty lookup.
	Asset   common.Address
	TokenID *big.Int

	// Secondary marks a resale. Royalties are only resolved on resales;
	// primary sales by the creator skip the royalty step entirely.
	Secondary bool

	// Royalty, when set, is paid instead of querying the resolver.
	Royalty *FixedRoyalty

	// Commissions are paid in order after fee and royalty.
	Commissions []Commission
}

// Payment records one executed transfer.
type Payment struct {
	Recipient common.Address
	Amount    *big.Int
}

// Receipt is the exact accounting of one distribution. The amounts always
// satisfy Fee + ΣRoyalties + ΣCommissions + SellerProceeds == Gross.
type Receipt struct {
	Fee            Payment
	Royalties      []Payment
	Commissions    []Payment
	SellerProceeds Payment
}

// Distributor executes the fee → royalty → commission → seller sequence.
type Distributor struct {
	feeBps       uint64
	feeRecipient common.Address
	resolver     RoyaltyResolver
	funds        FundsTransferrer
}

// NewDistributor creates a Distributor. The resolver may be nil when every
// settlement either is primary or carries a fixed royalty.
func NewDistributor(feeBps uint64, feeRecipient common.Address, resolver RoyaltyResolver, funds FundsTransferrer) (*Distributor, error) {
	if feeBps > BpsDenominator {
		return nil, fmt.Errorf("platform fee of %d bps exceeds 100%%", feeBps)
	}
	if funds == nil {
		return nil, fmt.Errorf("a funds transferrer is required")
	}
	return &Distributor{
		feeBps:       feeBps,
		feeRecipient: feeRecipient,
		resolver:     resolver,
		funds:        funds,
	}, nil
}

// Distribute splits req.Gross and executes the payouts.
//
// The entire split is computed and checked before the first transfer, so a
// configuration error can never leave a partial payout behind. Transfer
// failures abort with a *TransferError carrying how many transfers had
// completed; a caller may only roll back state it mutated before
// distributing when that count is zero.
func (d *Distributor) Distribute(ctx context.Context, req Request) (*Receipt, error) {
	if req.Gross == nil || req.Gross.Sign() < 0 {
		return nil, ErrInvalidGross
	}

	remainder := new(big.Int).Set(req.Gross)
	receipt := &Receipt{}

	// Platform fee.
	fee := bpsShare(req.Gross, d.feeBps)
	if err := deduct(remainder, fee); err != nil {
		return nil, fmt.Errorf("platform fee: %w", err)
	}
	receipt.Fee = Payment{Recipient: d.feeRecipient, Amount: fee}

	// Creator royalty.
	royalties, err := d.royaltyPayments(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, p := range royalties {
		if err := deduct(remainder, p.Amount); err != nil {
			return nil, fmt.Errorf("royalty to %s: %w", p.Recipient.Hex(), err)
		}
	}
	receipt.Royalties = royalties

	// Commissions.
	for _, c := range req.Commissions {
		amount := bpsShare(req.Gross, c.Bps)
		if err := deduct(remainder, amount); err != nil {
			return nil, fmt.Errorf("commission to %s: %w", c.Recipient.Hex(), err)
		}
		receipt.Commissions = append(receipt.Commissions, Payment{Recipient: c.Recipient, Amount: amount})
	}

	receipt.SellerProceeds = Payment{Recipient: req.Seller, Amount: remainder}

	// The split is final; execute the transfers in order. A failure from
	// here on is wrapped in a TransferError so the caller can tell a
	// settlement that never moved funds from one stranded partway.
	executed := 0
	if err := d.pay(ctx, receipt.Fee, &executed); err != nil {
		return nil, &TransferError{Executed: executed, Err: fmt.Errorf("platform fee transfer: %w", err)}
	}
	for _, p := range receipt.Royalties {
		if err := d.pay(ctx, p, &executed); err != nil {
			return nil, &TransferError{Executed: executed, Err: fmt.Errorf("royalty transfer: %w", err)}
		}
	}
	for _, p := range receipt.Commissions {
		if err := d.pay(ctx, p, &executed); err != nil {
			return nil, &TransferError{Executed: executed, Err: fmt.Errorf("commission transfer: %w", err)}
		}
	}
	if err := d.pay(ctx, receipt.SellerProceeds, &executed); err != nil {
		return nil, &TransferError{Executed: executed, Err: fmt.Errorf("seller transfer: %w", err)}
	}

	return receipt, nil
}

// royaltyPayments decides where the royalty comes from: the voucher's fixed
// terms, the on-chain resolver on resales, or nowhere on primary sales.
func (d *Distributor) royaltyPayments(ctx context.Context, req Request) ([]Payment, error) {
	if req.Royalty != nil {
		amount := bpsShare(req.Gross, req.Royalty.Bps)
		if amount.Sign() == 0 {
			return nil, nil
		}
		return []Payment{{Recipient: req.Royalty.Recipient, Amount: amount}}, nil
	}

	if !req.Secondary || d.resolver == nil {
		return nil, nil
	}

	split, err := d.resolver.Resolve(ctx, req.Asset, req.TokenID, req.Gross)
	if err != nil {
		return nil, fmt.Errorf("royalty lookup: %w", err)
	}

	payments := make([]Payment, 0, len(split.Recipients))
	for i := range split.Recipients {
		payments = append(payments, Payment{Recipient: split.Recipients[i], Amount: split.Amounts[i]})
	}
	return payments, nil
}

// pay executes one transfer, skipping zero amounts and counting completions.
func (d *Distributor) pay(ctx context.Context, p Payment, executed *int) error {
	if p.Amount.Sign() == 0 {
		return nil
	}
	if err := d.funds.TransferValue(ctx, p.Recipient, p.Amount); err != nil {
		return fmt.Errorf("transfer of %s to %s failed: %w", p.Amount, p.Recipient.Hex(), err)
	}
	*executed++
	return nil
}

// bpsShare computes gross * bps / 10_000. Truncation favors the remainder,
// never the payee.
func bpsShare(gross *big.Int, bps uint64) *big.Int {
	share := new(big.Int).Mul(gross, new(big.Int).SetUint64(bps))
	return share.Div(share, big.NewInt(BpsDenominator))
}

// deduct subtracts amount from remainder, aborting on underflow.
func deduct(remainder, amount *big.Int) error {
	if remainder.Cmp(amount) < 0 {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientGross, amount, remainder)
	}
	remainder.Sub(remainder, amount)
	return nil
}
