// Package auction implements the escrowed English-auction state machine. An
// auction is created when the asset is deposited into escrow, becomes active
// on the first bid, and reaches its terminal state by deletion on finalize or
// cancel: "does this auction still exist" is exactly "is its record still in
// the store".
package auction

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// Duration is the fixed auction length, counted from the first bid.
	Duration = 24 * time.Hour

	// ExtensionWindow is the anti-snipe window: a bid landing within this
	// much of the end time pushes the end time out by the same amount,
	// renewably.
	ExtensionWindow = 15 * time.Minute

	// MinRaiseDivisor sets the minimum raise: a new bid must exceed the
	// current price by at least currentPrice / MinRaiseDivisor (5%).
	MinRaiseDivisor = 20
)

var (
	// ErrNotFound is returned for auction ids with no stored record,
	// including auctions already finalized or cancelled.
	ErrNotFound = errors.New("auction not found")

	// ErrNotOperator rejects update/cancel calls from anyone but the
	// auction's operator.
	ErrNotOperator = errors.New("caller is not the auction operator")

	// ErrStarted rejects update/cancel once the first bid has landed.
	ErrStarted = errors.New("auction already has bids")

	// ErrNotStarted rejects finalize before any bid exists.
	ErrNotStarted = errors.New("auction has no bids")

	// ErrEnded rejects bids after the end time.
	ErrEnded = errors.New("auction has ended")

	// ErrRunning rejects finalize while bidding is still open.
	ErrRunning = errors.New("auction is still running")

	// ErrBelowReserve rejects a first bid under the reserve price.
	ErrBelowReserve = errors.New("bid is below the reserve price")

	// ErrRaiseTooSmall rejects a raise under the minimum increment.
	ErrRaiseTooSmall = errors.New("bid does not meet the minimum raise")
)

// Auction is one escrowed sale. EndTime's zero value means "created,
// unstarted"; it is set by the first bid and only ever moves later.
type Auction struct {
	ID                   uint64           `json:"id"`
	Operator             common.Address   `json:"operator"`
	Seller               common.Address   `json:"seller"`
	Asset                common.Address   `json:"asset"`
	TokenID              *big.Int         `json:"tokenId"`
	Quantity             uint64           `json:"quantity"`
	HighestBidder        common.Address   `json:"highestBidder"`
	Price                *big.Int         `json:"price"`
	EndTime              time.Time        `json:"endTime"`
	PrimarySale          bool             `json:"primarySale"`
	CommissionBps        []uint64         `json:"commissionBps"`
	CommissionRecipients []common.Address `json:"commissionRecipients"`
}

// Started reports whether the first bid has landed.
func (a *Auction) Started() bool {
	return !a.EndTime.IsZero()
}

// MinimumRaise returns the smallest acceptable next bid.
func (a *Auction) MinimumRaise() *big.Int {
	raise := new(big.Int).Div(a.Price, big.NewInt(MinRaiseDivisor))
	return raise.Add(a.Price, raise)
}

// clone deep-copies the record so store snapshots cannot alias live state.
func (a *Auction) clone() *Auction {
	dup := *a
	if a.TokenID != nil {
		dup.TokenID = new(big.Int).Set(a.TokenID)
	}
	if a.Price != nil {
		dup.Price = new(big.Int).Set(a.Price)
	}
	dup.CommissionBps = append([]uint64(nil), a.CommissionBps...)
	dup.CommissionRecipients = append([]common.Address(nil), a.CommissionRecipients...)
	return &dup
}

// Store persists auction records keyed by an incrementing id.
// Implementations must be safe for concurrent use and must return copies
// from Get that callers may mutate freely.
type Store interface {
	// NextID allocates the next auction id, starting at 1.
	NextID() (uint64, error)

	// Put inserts or replaces the record.
	Put(a *Auction) error

	// Get returns the record or ErrNotFound.
	Get(id uint64) (*Auction, error)

	// Delete removes the record. Deleting a missing id returns ErrNotFound.
	Delete(id uint64) error

	// Close releases any resources held by the store.
	Close() error
}
