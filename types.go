package settlement

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/openmint/settlement/payout"
	"github.com/openmint/settlement/voucher"
)

// RedeemRequest carries everything a buyer submits to consume a voucher.
type RedeemRequest struct {
	// Voucher is the signed trade offer being redeemed.
	Voucher *voucher.Voucher

	// Signer is the address claimed to have authorized the voucher. For
	// contract signers this is the contract address itself.
	Signer common.Address

	// Signature is the 65-byte EOA signature or the opaque blob handed to
	// the contract signer's isValidSignature.
	Signature []byte

	// Buyer receives the asset and provides the payment.
	Buyer common.Address

	// Payment is the gross amount the buyer is putting up. Must cover the
	// voucher price; the full amount is distributed.
	Payment *big.Int

	// Metadata is passed through to lifecycle hooks unmodified.
	Metadata map[string]interface{}
}

// RedeemResult is the outcome of a successful redemption.
type RedeemResult struct {
	// ID uniquely identifies this settlement for correlation in logs and
	// events.
	ID string

	Digest  [32]byte
	TokenID *big.Int

	// Receipt is the exact payment split that was executed.
	Receipt *payout.Receipt
}

// EventType identifies an observable settlement occurrence.
type EventType string

const (
	EventVoucherRedeemed  EventType = "voucher.redeemed"
	EventVoucherVoided    EventType = "voucher.voided"
	EventAuctionCreated   EventType = "auction.created"
	EventAuctionUpdated   EventType = "auction.updated"
	EventAuctionCancelled EventType = "auction.cancelled"
	EventAuctionFinalized EventType = "auction.finalized"
	EventBidPlaced        EventType = "auction.bid"
	EventPaymentMade      EventType = "payment.made"
)

// Event is an observability record emitted after a state change has been
// committed. Sinks must not block; slow consumers should buffer internally.
type Event struct {
	ID     string                 `json:"id"`
	Type   EventType              `json:"type"`
	At     time.Time              `json:"at"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// EventSink receives settlement events.
type EventSink func(Event)

func newEventID() string {
	return uuid.NewString()
}
