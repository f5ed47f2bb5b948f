// Package settlement is the peer-to-peer NFT trade settlement core: voucher
// authentication with replay protection, escrowed English auctions, multi
// convention royalty resolution, and atomic fee/royalty/commission/seller
// payment distribution.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/openmint/settlement/auction"
	"github.com/openmint/settlement/payout"
	"github.com/openmint/settlement/registry"
	"github.com/openmint/settlement/royalty"
	"github.com/openmint/settlement/voucher"
)

// Minter creates a not-yet-existing asset for the buyer at settlement time.
// The voucher's royalty terms are forwarded so the collection can register
// them for future resales.
type Minter interface {
	Mint(ctx context.Context, to common.Address, tokenID *big.Int, quantity uint64, royaltyRecipient common.Address, royaltyBps uint64) error
}

// Service orchestrates voucher redemption, voiding, and auctions over the
// replay registry, payment distributor, and auction engine.
type Service struct {
	auth        *voucher.Authenticator
	registry    *registry.Registry
	distributor *payout.Distributor
	assets      auction.AssetTransferrer
	collection  common.Address

	engine   *auction.Engine
	minter   Minter
	verifier voucher.ContractVerifier

	log   logrus.FieldLogger
	sinks []EventSink
	now   func() time.Time

	beforeRedeemHooks    []BeforeRedeemHook
	afterRedeemHooks     []AfterRedeemHook
	onRedeemFailureHooks []OnRedeemFailureHook
}

// ServiceOption configures the service
type ServiceOption func(*Service)

// WithMinter enables the mint-on-sale redemption path.
func WithMinter(minter Minter) ServiceOption {
	return func(s *Service) {
		s.minter = minter
	}
}

// WithAuctionEngine enables the auction operations.
func WithAuctionEngine(engine *auction.Engine) ServiceOption {
	return func(s *Service) {
		s.engine = engine
	}
}

// WithContractVerifier enables EIP-1271 contract-signer vouchers.
func WithContractVerifier(verifier voucher.ContractVerifier) ServiceOption {
	return func(s *Service) {
		s.verifier = verifier
	}
}

// WithLogger replaces the default logrus standard logger.
func WithLogger(log logrus.FieldLogger) ServiceOption {
	return func(s *Service) {
		s.log = log
	}
}

// WithEventSink registers an observer for settlement events.
func WithEventSink(sink EventSink) ServiceOption {
	return func(s *Service) {
		s.sinks = append(s.sinks, sink)
	}
}

// WithServiceClock overrides the time source, for tests.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService builds a settlement service. The authenticator, registry,
// distributor, and asset transferrer are required; the minter, auction
// engine, and contract verifier are optional capabilities.
func NewService(
	auth *voucher.Authenticator,
	reg *registry.Registry,
	distributor *payout.Distributor,
	assets auction.AssetTransferrer,
	collection common.Address,
	opts ...ServiceOption,
) (*Service, error) {
	if auth == nil {
		return nil, fmt.Errorf("voucher authenticator is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("replay registry is required")
	}
	if distributor == nil {
		return nil, fmt.Errorf("payment distributor is required")
	}
	if assets == nil {
		return nil, fmt.Errorf("asset transferrer is required")
	}

	s := &Service{
		auth:        auth,
		registry:    reg,
		distributor: distributor,
		assets:      assets,
		collection:  collection,
		log:         logrus.StandardLogger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RedeemMint settles a mint-on-sale voucher: the asset does not exist yet
// and is minted to the buyer once payment has been distributed.
func (s *Service) RedeemMint(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	if s.minter == nil {
		return nil, NewSettlementError(ErrCodeSettlementFailed, "mint-on-sale is not enabled", nil)
	}
	if req.Voucher == nil || req.Voucher.Kind != voucher.KindMint {
		return nil, NewSettlementError(ErrCodeInvalidVoucher, "redeem mint requires a mint voucher", nil)
	}
	return s.redeem(ctx, req, true)
}

// RedeemSale settles a buy-existing voucher: the signer already holds the
// asset and it is transferred to the buyer once payment has been distributed.
func (s *Service) RedeemSale(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	if req.Voucher == nil || req.Voucher.Kind != voucher.KindSale {
		return nil, NewSettlementError(ErrCodeInvalidVoucher, "redeem sale requires a sale voucher", nil)
	}
	return s.redeem(ctx, req, false)
}

// redeem runs the shared redemption sequence: structural validation, expiry,
// restricted buyer, payment amount, replay check, signature verification,
// then digest consumption strictly before payment distribution and asset
// movement. A failure after consumption rolls the digest back only while no
// funds have moved; once any transfer executed the digest stays consumed.
func (s *Service) redeem(ctx context.Context, req RedeemRequest, mint bool) (*RedeemResult, error) {
	start := s.now()

	v := req.Voucher
	if err := v.Validate(); err != nil {
		return nil, wrapError(ErrCodeInvalidVoucher, err.Error(), err)
	}
	digest, err := s.auth.Digest(v)
	if err != nil {
		return nil, wrapError(ErrCodeInvalidVoucher, "failed to compute voucher digest", err)
	}

	hookCtx := RedeemContext{Ctx: ctx, Request: req, Digest: digest, Timestamp: start}

	for _, hook := range s.beforeRedeemHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return s.redeemFailed(hookCtx, start, wrapError(ErrCodeSettlementFailed, "before-redeem hook failed", err))
		}
		if result != nil && result.Abort {
			return s.redeemFailed(hookCtx, start,
				NewSettlementError(ErrCodeSettlementFailed, "redemption aborted: "+result.Reason, nil))
		}
	}

	if v.Expiry != 0 && uint64(start.Unix()) >= v.Expiry {
		return s.redeemFailed(hookCtx, start,
			NewSettlementError(ErrCodeVoucherExpired, fmt.Sprintf("voucher expired at %d", v.Expiry), nil))
	}
	if restricted, ok := v.RestrictedTo(); ok && restricted != req.Buyer {
		return s.redeemFailed(hookCtx, start,
			NewSettlementError(ErrCodeBuyerRestricted, "voucher is restricted to a different buyer", map[string]interface{}{
				"restricted_to": restricted.Hex(),
			}))
	}
	if req.Payment == nil || req.Payment.Cmp(v.Price) < 0 {
		return s.redeemFailed(hookCtx, start,
			NewSettlementError(ErrCodeUnderpayment, fmt.Sprintf("payment does not cover price %s", v.Price), nil))
	}

	// Early rejection only; the replay gate is the atomic Consume below.
	voided, err := s.registry.IsVoided(req.Signer, digest)
	if err != nil {
		return s.redeemFailed(hookCtx, start, wrapError(ErrCodeSettlementFailed, "replay registry check failed", err))
	}
	if voided {
		return s.redeemFailed(hookCtx, start,
			NewSettlementError(ErrCodeVoucherVoided, "voucher digest has been voided or consumed", nil))
	}

	if err := s.auth.Verify(ctx, v, req.Signer, req.Signature, s.verifier); err != nil {
		return s.redeemFailed(hookCtx, start, wrapError(ErrCodeSignatureInvalid, err.Error(), err))
	}

	// The digest is dead before any value or asset moves. Consume is a
	// test-and-set, so of any concurrent redemptions of the same voucher
	// exactly one reaches the distribution below; the rest fail here, as
	// does a reentrant callback from a payment recipient.
	if err := s.registry.Consume(req.Signer, digest); err != nil {
		if errors.Is(err, registry.ErrAlreadyVoided) {
			return s.redeemFailed(hookCtx, start,
				NewSettlementError(ErrCodeVoucherVoided, "voucher digest has been voided or consumed", nil))
		}
		return s.redeemFailed(hookCtx, start, wrapError(ErrCodeSettlementFailed, "failed to consume voucher digest", err))
	}

	receipt, err := s.distributor.Distribute(ctx, s.payoutRequest(req, mint))
	if err != nil {
		// The digest only comes back when no funds moved. Once a transfer
		// has executed, a retry of the same voucher would pay the split a
		// second time, so the digest stays consumed and the failure is
		// surfaced for manual remediation.
		if !fundsMoved(err) {
			s.rollbackDigest(req.Signer, digest)
		}
		return s.redeemFailed(hookCtx, start, distributionError(err))
	}

	if mint {
		err = s.minter.Mint(ctx, req.Buyer, v.TokenID, v.Quantity, v.RoyaltyRecipient, v.RoyaltyBps)
	} else {
		err = s.assets.Transfer(ctx, s.collection, req.Signer, req.Buyer, v.TokenID, v.Quantity)
	}
	if err != nil {
		// Distribution already paid out in full; the voucher must not be
		// redeemable again. The stranded delivery is reported instead.
		return s.redeemFailed(hookCtx, start,
			wrapError(ErrCodeSettlementFailed, "asset delivery failed after payment was distributed", err))
	}

	result := &RedeemResult{
		ID:      newEventID(),
		Digest:  digest,
		TokenID: new(big.Int).Set(v.TokenID),
		Receipt: receipt,
	}

	s.log.WithFields(logrus.Fields{
		"settlement_id": result.ID,
		"kind":          v.Kind,
		"signer":        req.Signer.Hex(),
		"buyer":         req.Buyer.Hex(),
		"gross":         req.Payment.String(),
	}).Info("voucher redeemed")

	s.emit(EventVoucherRedeemed, map[string]interface{}{
		"settlement_id": result.ID,
		"kind":          string(v.Kind),
		"signer":        req.Signer.Hex(),
		"buyer":         req.Buyer.Hex(),
		"token_id":      v.TokenID.String(),
		"gross":         req.Payment.String(),
	})
	s.emitReceipt(result.ID, receipt)

	for _, hook := range s.afterRedeemHooks {
		if err := hook(RedeemResultContext{RedeemContext: hookCtx, Result: result, Duration: s.now().Sub(start)}); err != nil {
			s.log.WithError(err).Warn("after-redeem hook failed")
		}
	}

	return result, nil
}

// payoutRequest translates a voucher redemption into a distribution request.
// The mint path is a primary sale by the creator, so no royalty is paid out;
// the sale path honors the voucher's own royalty terms when present and
// otherwise resolves on-chain conventions.
func (s *Service) payoutRequest(req RedeemRequest, mint bool) payout.Request {
	v := req.Voucher

	commissions := make([]payout.Commission, len(v.CommissionBps))
	for i := range v.CommissionBps {
		commissions[i] = payout.Commission{
			Recipient: v.CommissionRecipients[i],
			Bps:       v.CommissionBps[i],
		}
	}

	preq := payout.Request{
		Gross:       req.Payment,
		Seller:      req.Signer,
		Asset:       s.collection,
		TokenID:     v.TokenID,
		Secondary:   !mint,
		Commissions: commissions,
	}
	if !mint && v.RoyaltyBps > 0 {
		preq.Royalty = &payout.FixedRoyalty{Recipient: v.RoyaltyRecipient, Bps: v.RoyaltyBps}
	}
	return preq
}

// redeemFailed runs the failure hooks, which may recover with a substitute
// result, and otherwise surfaces the error.
func (s *Service) redeemFailed(hookCtx RedeemContext, start time.Time, failure error) (*RedeemResult, error) {
	for _, hook := range s.onRedeemFailureHooks {
		result, err := hook(RedeemFailureContext{RedeemContext: hookCtx, Error: failure, Duration: s.now().Sub(start)})
		if err != nil {
			s.log.WithError(err).Warn("redeem failure hook failed")
			continue
		}
		if result != nil && result.Recovered {
			return result.Result, nil
		}
	}

	s.log.WithError(failure).WithFields(logrus.Fields{
		"signer": hookCtx.Request.Signer.Hex(),
		"buyer":  hookCtx.Request.Buyer.Hex(),
	}).Warn("voucher redemption failed")
	return nil, failure
}

func (s *Service) rollbackDigest(signer common.Address, digest [32]byte) {
	if err := s.registry.Rollback(signer, digest); err != nil {
		s.log.WithError(err).WithField("signer", signer.Hex()).
			Error("failed to roll back consumed voucher digest")
	}
}

// fundsMoved reports whether a distribution failure happened after at least
// one transfer executed.
func fundsMoved(err error) bool {
	var tferr *payout.TransferError
	return errors.As(err, &tferr) && tferr.Executed > 0
}

// distributionError maps distributor failures onto settlement error codes.
// Royalty probe failures get their own code so callers can distinguish an
// uncooperative asset contract from an economic rejection.
func distributionError(err error) *SettlementError {
	switch {
	case errors.Is(err, royalty.ErrBudgetExhausted),
		errors.Is(err, royalty.ErrLengthMismatch),
		errors.Is(err, royalty.ErrExceedsSale),
		errors.Is(err, royalty.ErrUnavailable):
		return wrapError(ErrCodeRoyaltyLookup, err.Error(), err)
	case errors.Is(err, payout.ErrInsufficientGross):
		return wrapError(ErrCodeUnderpayment, err.Error(), err)
	default:
		return wrapError(ErrCodeSettlementFailed, err.Error(), err)
	}
}

// VoidVouchers marks the given vouchers' digests as permanently unredeemable.
// Only the signer may void their own vouchers. Voiding is write-once; there
// is no un-void.
func (s *Service) VoidVouchers(ctx context.Context, caller, signer common.Address, vouchers []*voucher.Voucher) ([][32]byte, error) {
	if caller != signer {
		return nil, NewSettlementError(ErrCodeNotAuthorized, "only the signer may void their vouchers", nil)
	}

	digests := make([][32]byte, 0, len(vouchers))
	for _, v := range vouchers {
		if err := v.Validate(); err != nil {
			return nil, wrapError(ErrCodeInvalidVoucher, err.Error(), err)
		}
		digest, err := s.auth.Digest(v)
		if err != nil {
			return nil, wrapError(ErrCodeInvalidVoucher, "failed to compute voucher digest", err)
		}
		digests = append(digests, digest)
	}

	if err := s.registry.Void(signer, digests...); err != nil {
		return nil, wrapError(ErrCodeSettlementFailed, "failed to void voucher digests", err)
	}

	for _, digest := range digests {
		s.emit(EventVoucherVoided, map[string]interface{}{
			"signer": signer.Hex(),
			"digest": fmt.Sprintf("%#x", digest),
		})
	}
	s.log.WithFields(logrus.Fields{
		"signer": signer.Hex(),
		"count":  len(digests),
	}).Info("vouchers voided")

	return digests, nil
}

// GetAuction returns the current auction record.
func (s *Service) GetAuction(id uint64) (*auction.Auction, error) {
	if s.engine == nil {
		return nil, NewSettlementError(ErrCodeAuctionState, "auctions are not enabled", nil)
	}
	return s.engine.Get(id)
}

// CreateAuction escrows the asset and opens an unstarted auction.
func (s *Service) CreateAuction(ctx context.Context, req auction.CreateRequest) (*auction.Auction, error) {
	if s.engine == nil {
		return nil, NewSettlementError(ErrCodeAuctionState, "auctions are not enabled", nil)
	}
	a, err := s.engine.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	s.emit(EventAuctionCreated, map[string]interface{}{
		"auction_id": a.ID,
		"operator":   a.Operator.Hex(),
		"token_id":   a.TokenID.String(),
		"reserve":    a.Price.String(),
	})
	return a, nil
}

// PlaceBid places or raises a bid.
func (s *Service) PlaceBid(ctx context.Context, id uint64, bidder common.Address, amount *big.Int) (*auction.Auction, error) {
	if s.engine == nil {
		return nil, NewSettlementError(ErrCodeAuctionState, "auctions are not enabled", nil)
	}
	a, refund, err := s.engine.Bid(ctx, id, bidder, amount)
	if err != nil {
		return nil, err
	}
	fields := map[string]interface{}{
		"auction_id": a.ID,
		"bidder":     bidder.Hex(),
		"amount":     amount.String(),
		"end_time":   a.EndTime,
	}
	if refund != nil {
		fields["refunded_bidder"] = refund.Bidder.Hex()
		fields["refunded_amount"] = refund.Amount.String()
	}
	s.emit(EventBidPlaced, fields)
	return a, nil
}

// UpdateAuction changes the reserve or commission schedule before any bid.
func (s *Service) UpdateAuction(
	ctx context.Context,
	id uint64,
	operator common.Address,
	reserve *big.Int,
	commissionBps []uint64,
	commissionRecipients []common.Address,
) (*auction.Auction, error) {
	if s.engine == nil {
		return nil, NewSettlementError(ErrCodeAuctionState, "auctions are not enabled", nil)
	}
	a, err := s.engine.Update(ctx, id, operator, reserve, commissionBps, commissionRecipients)
	if err != nil {
		return nil, err
	}
	s.emit(EventAuctionUpdated, map[string]interface{}{
		"auction_id": a.ID,
		"reserve":    a.Price.String(),
	})
	return a, nil
}

// CancelAuction deletes an unstarted auction and returns the escrowed asset.
func (s *Service) CancelAuction(ctx context.Context, id uint64, operator common.Address) error {
	if s.engine == nil {
		return NewSettlementError(ErrCodeAuctionState, "auctions are not enabled", nil)
	}
	if err := s.engine.Cancel(ctx, id, operator); err != nil {
		return err
	}
	s.emit(EventAuctionCancelled, map[string]interface{}{"auction_id": id})
	return nil
}

// FinalizeAuction settles a single ended auction.
func (s *Service) FinalizeAuction(ctx context.Context, id uint64) (*auction.Result, error) {
	if s.engine == nil {
		return nil, NewSettlementError(ErrCodeAuctionState, "auctions are not enabled", nil)
	}
	result, err := s.engine.Finalize(ctx, id)
	if err != nil {
		return nil, err
	}
	s.emitFinalized(result)
	return result, nil
}

// FinalizeAuctions settles a batch of ended auctions, validating every id
// before the first external effect.
func (s *Service) FinalizeAuctions(ctx context.Context, ids []uint64) ([]*auction.Result, error) {
	if s.engine == nil {
		return nil, NewSettlementError(ErrCodeAuctionState, "auctions are not enabled", nil)
	}
	results, err := s.engine.FinalizeMany(ctx, ids)
	for _, result := range results {
		s.emitFinalized(result)
	}
	return results, err
}

func (s *Service) emitFinalized(result *auction.Result) {
	a := result.Auction
	s.emit(EventAuctionFinalized, map[string]interface{}{
		"auction_id": a.ID,
		"winner":     a.HighestBidder.Hex(),
		"price":      a.Price.String(),
	})
	s.emitReceipt(fmt.Sprintf("auction-%d", a.ID), result.Receipt)
	s.log.WithFields(logrus.Fields{
		"auction_id": a.ID,
		"winner":     a.HighestBidder.Hex(),
		"price":      a.Price.String(),
	}).Info("auction finalized")
}

// emitReceipt publishes one payment event per executed transfer.
func (s *Service) emitReceipt(settlementID string, receipt *payout.Receipt) {
	publish := func(role string, p payout.Payment) {
		if p.Amount == nil || p.Amount.Sign() == 0 {
			return
		}
		s.emit(EventPaymentMade, map[string]interface{}{
			"settlement_id": settlementID,
			"role":          role,
			"recipient":     p.Recipient.Hex(),
			"amount":        p.Amount.String(),
		})
	}

	publish("fee", receipt.Fee)
	for _, p := range receipt.Royalties {
		publish("royalty", p)
	}
	for _, p := range receipt.Commissions {
		publish("commission", p)
	}
	publish("seller", receipt.SellerProceeds)
}

func (s *Service) emit(kind EventType, fields map[string]interface{}) {
	if len(s.sinks) == 0 {
		return
	}
	event := Event{
		ID:     newEventID(),
		Type:   kind,
		At:     s.now(),
		Fields: fields,
	}
	for _, sink := range s.sinks {
		sink(event)
	}
}
