package auction

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openmint/settlement/payout"
)

// AssetTransferrer moves an escrowed asset between addresses. Must succeed or
// return an error; the engine does not interpret anything beyond that.
type AssetTransferrer interface {
	Transfer(ctx context.Context, collection common.Address, from, to common.Address, tokenID *big.Int, quantity uint64) error
}

// CreateRequest deposits an asset into escrow and opens an auction over it.
type CreateRequest struct {
	Operator             common.Address
	Seller               common.Address
	Asset                common.Address
	TokenID              *big.Int
	Quantity             uint64
	Reserve              *big.Int
	PrimarySale          bool
	CommissionBps        []uint64
	CommissionRecipients []common.Address
}

// Refund describes the repayment of an outbid bidder.
type Refund struct {
	Bidder common.Address
	Amount *big.Int
}

// Result is the outcome of a finalized auction.
type Result struct {
	Auction *Auction
	Receipt *payout.Receipt
}

// Engine orchestrates escrow, bidding, extension, and finalization. All
// state mutations land in the store before any external transfer is issued,
// so a reentrant callback from a bidder or recipient contract always observes
// fully updated state. Each read-check-write on a record runs under the
// engine lock; external transfers run outside it.
type Engine struct {
	store       Store
	assets      AssetTransferrer
	funds       payout.FundsTransferrer
	distributor *payout.Distributor
	escrow      common.Address
	now         func() time.Time

	mu sync.Mutex
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an auction engine. escrow is the address holding
// deposited assets between create and finalize/cancel.
func NewEngine(
	store Store,
	assets AssetTransferrer,
	funds payout.FundsTransferrer,
	distributor *payout.Distributor,
	escrow common.Address,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		store:       store,
		assets:      assets,
		funds:       funds,
		distributor: distributor,
		escrow:      escrow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Get returns the auction record, or ErrNotFound once it has reached a
// terminal state.
func (e *Engine) Get(id uint64) (*Auction, error) {
	return e.store.Get(id)
}

// Create escrows the asset and stores the new auction record. The reserve
// may legitimately be zero.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Auction, error) {
	if req.TokenID == nil {
		return nil, fmt.Errorf("token id is required")
	}
	if req.Reserve == nil || req.Reserve.Sign() < 0 {
		return nil, fmt.Errorf("reserve must be a non-negative integer")
	}
	if len(req.CommissionBps) != len(req.CommissionRecipients) {
		return nil, fmt.Errorf("commission lists have mismatched lengths: %d bps vs %d recipients",
			len(req.CommissionBps), len(req.CommissionRecipients))
	}
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}

	id, err := e.store.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate auction id: %w", err)
	}

	// Custody first: the auction record only exists once the asset is held
	// in escrow.
	if err := e.assets.Transfer(ctx, req.Asset, req.Operator, e.escrow, req.TokenID, quantity); err != nil {
		return nil, fmt.Errorf("escrow deposit failed: %w", err)
	}

	a := &Auction{
		ID:                   id,
		Operator:             req.Operator,
		Seller:               req.Seller,
		Asset:                req.Asset,
		TokenID:              new(big.Int).Set(req.TokenID),
		Quantity:             quantity,
		Price:                new(big.Int).Set(req.Reserve),
		PrimarySale:          req.PrimarySale,
		CommissionBps:        append([]uint64(nil), req.CommissionBps...),
		CommissionRecipients: append([]common.Address(nil), req.CommissionRecipients...),
	}
	if a.Seller == (common.Address{}) {
		a.Seller = req.Operator
	}
	if err := e.store.Put(a); err != nil {
		return nil, fmt.Errorf("failed to store auction: %w", err)
	}
	return a.clone(), nil
}

// Bid places a bid. The first bid must meet the reserve and starts the
// 24-hour clock; later bids must meet the minimum raise and refund the
// previous bidder. The record is written before the refund goes out.
func (e *Engine) Bid(ctx context.Context, id uint64, bidder common.Address, amount *big.Int) (*Auction, *Refund, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, nil, fmt.Errorf("bid amount must be a non-negative integer")
	}

	a, snapshot, refund, err := e.recordBid(id, bidder, amount)
	if err != nil {
		return nil, nil, err
	}
	if refund == nil {
		return a, nil, nil
	}

	// Refund after the record is committed: a reentrant callback from the
	// outbid contract sees itself already outbid.
	if err := e.funds.TransferValue(ctx, refund.Bidder, refund.Amount); err != nil {
		e.mu.Lock()
		restoreErr := e.store.Put(snapshot)
		e.mu.Unlock()
		if restoreErr != nil {
			return nil, nil, fmt.Errorf("refund failed (%v) and state restore failed: %w", err, restoreErr)
		}
		return nil, nil, fmt.Errorf("refund to outbid bidder failed: %w", err)
	}

	return a, refund, nil
}

// recordBid validates and commits a bid under the engine lock. Only one
// raise against a given prior price can commit, so the previous bidder is
// refunded exactly once no matter how many raises race.
func (e *Engine) recordBid(id uint64, bidder common.Address, amount *big.Int) (*Auction, *Auction, *Refund, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.Get(id)
	if err != nil {
		return nil, nil, nil, err
	}
	now := e.now()

	if !a.Started() {
		if amount.Cmp(a.Price) < 0 {
			return nil, nil, nil, fmt.Errorf("%w: reserve %s, bid %s", ErrBelowReserve, a.Price, amount)
		}
		a.HighestBidder = bidder
		a.Price = new(big.Int).Set(amount)
		a.EndTime = now.Add(Duration)
		if err := e.store.Put(a); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to store bid: %w", err)
		}
		return a.clone(), nil, nil, nil
	}

	if now.After(a.EndTime) {
		return nil, nil, nil, ErrEnded
	}
	if amount.Cmp(a.MinimumRaise()) < 0 {
		return nil, nil, nil, fmt.Errorf("%w: minimum %s, bid %s", ErrRaiseTooSmall, a.MinimumRaise(), amount)
	}

	snapshot := a.clone()
	refund := &Refund{Bidder: a.HighestBidder, Amount: new(big.Int).Set(a.Price)}

	a.HighestBidder = bidder
	a.Price = new(big.Int).Set(amount)
	if a.EndTime.Sub(now) < ExtensionWindow {
		a.EndTime = a.EndTime.Add(ExtensionWindow)
	}
	if err := e.store.Put(a); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to store bid: %w", err)
	}
	return a.clone(), snapshot, refund, nil
}

// Update changes the reserve price and/or commission schedule. Only the
// operator may update, and only before the first bid.
func (e *Engine) Update(
	ctx context.Context,
	id uint64,
	operator common.Address,
	reserve *big.Int,
	commissionBps []uint64,
	commissionRecipients []common.Address,
) (*Auction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if a.Operator != operator {
		return nil, ErrNotOperator
	}
	if a.Started() {
		return nil, ErrStarted
	}

	if reserve != nil {
		if reserve.Sign() < 0 {
			return nil, fmt.Errorf("reserve must be a non-negative integer")
		}
		a.Price = new(big.Int).Set(reserve)
	}
	if commissionBps != nil || commissionRecipients != nil {
		if len(commissionBps) != len(commissionRecipients) {
			return nil, fmt.Errorf("commission lists have mismatched lengths: %d bps vs %d recipients",
				len(commissionBps), len(commissionRecipients))
		}
		a.CommissionBps = append([]uint64(nil), commissionBps...)
		a.CommissionRecipients = append([]common.Address(nil), commissionRecipients...)
	}

	if err := e.store.Put(a); err != nil {
		return nil, fmt.Errorf("failed to store auction update: %w", err)
	}
	return a.clone(), nil
}

// Cancel deletes an unstarted auction and returns the escrowed asset to the
// operator.
func (e *Engine) Cancel(ctx context.Context, id uint64, operator common.Address) error {
	a, err := e.removeUnstarted(id, operator)
	if err != nil {
		return err
	}
	if err := e.assets.Transfer(ctx, a.Asset, e.escrow, a.Operator, a.TokenID, a.Quantity); err != nil {
		e.mu.Lock()
		restoreErr := e.store.Put(a)
		e.mu.Unlock()
		if restoreErr != nil {
			return fmt.Errorf("escrow return failed (%v) and state restore failed: %w", err, restoreErr)
		}
		return fmt.Errorf("escrow return failed: %w", err)
	}
	return nil
}

// removeUnstarted deletes an unstarted auction under the engine lock,
// terminal state first, and returns the removed record.
func (e *Engine) removeUnstarted(id uint64, operator common.Address) (*Auction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if a.Operator != operator {
		return nil, ErrNotOperator
	}
	if a.Started() {
		return nil, ErrStarted
	}
	if err := e.store.Delete(id); err != nil {
		return nil, fmt.Errorf("failed to delete auction: %w", err)
	}
	return a, nil
}

// Finalize settles an ended auction: the record is deleted first (terminal
// state precedes side effects), the final bid is distributed, and the asset
// goes to the highest bidder.
func (e *Engine) Finalize(ctx context.Context, id uint64) (*Result, error) {
	a, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if err := e.finalizable(a); err != nil {
		return nil, err
	}
	return e.settle(ctx, a)
}

// FinalizeMany settles a batch of ended auctions. Every auction is validated
// before the first external effect, so an unfinalizable id aborts the batch
// with nothing changed.
func (e *Engine) FinalizeMany(ctx context.Context, ids []uint64) ([]*Result, error) {
	auctions := make([]*Auction, 0, len(ids))
	for _, id := range ids {
		a, err := e.store.Get(id)
		if err != nil {
			return nil, fmt.Errorf("auction %d: %w", id, err)
		}
		if err := e.finalizable(a); err != nil {
			return nil, fmt.Errorf("auction %d: %w", id, err)
		}
		auctions = append(auctions, a)
	}

	results := make([]*Result, 0, len(auctions))
	for _, a := range auctions {
		result, err := e.settle(ctx, a)
		if err != nil {
			return results, fmt.Errorf("auction %d: %w", a.ID, err)
		}
		results = append(results, result)
	}
	return results, nil
}

func (e *Engine) finalizable(a *Auction) error {
	if !a.Started() {
		return ErrNotStarted
	}
	if !e.now().After(a.EndTime) {
		return ErrRunning
	}
	return nil
}

// settle runs the terminal sequence for one ended auction. The locked delete
// doubles as the settlement gate: of concurrent finalizations of the same
// auction, only the one that deletes the record proceeds.
func (e *Engine) settle(ctx context.Context, a *Auction) (*Result, error) {
	e.mu.Lock()
	err := e.store.Delete(a.ID)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to delete auction: %w", err)
	}

	commissions := make([]payout.Commission, len(a.CommissionBps))
	for i := range a.CommissionBps {
		commissions[i] = payout.Commission{
			Recipient: a.CommissionRecipients[i],
			Bps:       a.CommissionBps[i],
		}
	}

	receipt, err := e.distributor.Distribute(ctx, payout.Request{
		Gross:       a.Price,
		Seller:      a.Seller,
		Asset:       a.Asset,
		TokenID:     a.TokenID,
		Secondary:   !a.PrimarySale,
		Commissions: commissions,
	})
	if err != nil {
		// Restore the record only while no funds moved; re-finalizing after
		// a partial payout would distribute the split a second time.
		var tferr *payout.TransferError
		if errors.As(err, &tferr) && tferr.Executed > 0 {
			return nil, fmt.Errorf("distribution failed after funds moved: %w", err)
		}
		e.mu.Lock()
		restoreErr := e.store.Put(a)
		e.mu.Unlock()
		if restoreErr != nil {
			return nil, fmt.Errorf("distribution failed (%v) and state restore failed: %w", err, restoreErr)
		}
		return nil, fmt.Errorf("distribution failed: %w", err)
	}

	if err := e.assets.Transfer(ctx, a.Asset, e.escrow, a.HighestBidder, a.TokenID, a.Quantity); err != nil {
		return nil, fmt.Errorf("asset release to %s failed: %w", a.HighestBidder.Hex(), err)
	}

	return &Result{Auction: a.clone(), Receipt: receipt}, nil
}
