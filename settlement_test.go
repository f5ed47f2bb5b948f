package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/openmint/settlement/auction"
	"github.com/openmint/settlement/payout"
	"github.com/openmint/settlement/registry"
	"github.com/openmint/settlement/royalty"
	"github.com/openmint/settlement/voucher"
)

var (
	testCollection   = common.HexToAddress("0xc011ec7104c011ec7104c011ec7104c011ec7104")
	testFeeRecipient = common.HexToAddress("0xfefefefefefefefefefefefefefefefefefefefe")
	testCreator      = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testBuyer        = common.HexToAddress("0xb041000000000000000000000000000000000b04")
)

type recordedTransfer struct {
	To     common.Address
	Amount *big.Int
}

type recordingFunds struct {
	mu        sync.Mutex
	transfers []recordedTransfer
	onPay     func(to common.Address, amount *big.Int)
	failTo    map[common.Address]bool
}

func (f *recordingFunds) TransferValue(_ context.Context, to common.Address, amount *big.Int) error {
	f.mu.Lock()
	if f.failTo[to] {
		f.mu.Unlock()
		return errors.New("recipient rejected payment")
	}
	f.transfers = append(f.transfers, recordedTransfer{To: to, Amount: new(big.Int).Set(amount)})
	callback := f.onPay
	f.mu.Unlock()
	if callback != nil {
		callback(to, amount)
	}
	return nil
}

func (f *recordingFunds) paidTo(addr common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := new(big.Int)
	for _, tr := range f.transfers {
		if tr.To == addr {
			total.Add(total, tr.Amount)
		}
	}
	return total
}

func (f *recordingFunds) countTo(addr common.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, tr := range f.transfers {
		if tr.To == addr {
			count++
		}
	}
	return count
}

type recordingAssets struct {
	transfers int
	lastFrom  common.Address
	lastTo    common.Address
	fail      bool
}

func (f *recordingAssets) Transfer(_ context.Context, _ common.Address, from, to common.Address, _ *big.Int, _ uint64) error {
	if f.fail {
		return errors.New("token contract rejected transfer")
	}
	f.transfers++
	f.lastFrom = from
	f.lastTo = to
	return nil
}

type recordingMinter struct {
	mints        int
	lastTo       common.Address
	lastRoyalty  common.Address
	lastBps      uint64
	lastQuantity uint64
}

func (m *recordingMinter) Mint(_ context.Context, to common.Address, _ *big.Int, quantity uint64, royaltyRecipient common.Address, royaltyBps uint64) error {
	m.mints++
	m.lastTo = to
	m.lastRoyalty = royaltyRecipient
	m.lastBps = royaltyBps
	m.lastQuantity = quantity
	return nil
}

type serviceFixture struct {
	service *Service
	funds   *recordingFunds
	assets  *recordingAssets
	minter  *recordingMinter
	events  []Event
	key     *ecdsa.PrivateKey
	signer  common.Address
	auth    *voucher.Authenticator
	now     time.Time
}

func newServiceFixture(t *testing.T, opts ...ServiceOption) *serviceFixture {
	t.Helper()
	return newServiceFixtureWith(t, registry.NewMemoryStore(), nil, opts...)
}

func newServiceFixtureWith(t *testing.T, store registry.Store, resolver payout.RoyaltyResolver, opts ...ServiceOption) *serviceFixture {
	t.Helper()

	auth, err := voucher.NewAuthenticator(voucher.Domain{
		Name:              "OpenMint",
		Version:           "1",
		ChainID:           big.NewInt(1),
		VerifyingContract: testCollection.Hex(),
	})
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	funds := &recordingFunds{}
	assets := &recordingAssets{}
	minter := &recordingMinter{}

	distributor, err := payout.NewDistributor(500, testFeeRecipient, resolver, funds)
	if err != nil {
		t.Fatalf("NewDistributor: %v", err)
	}

	f := &serviceFixture{
		funds:  funds,
		assets: assets,
		minter: minter,
		key:    key,
		signer: crypto.PubkeyToAddress(key.PublicKey),
		auth:   auth,
		now:    time.Unix(1_700_000_000, 0),
	}

	base := []ServiceOption{
		WithMinter(minter),
		WithServiceClock(func() time.Time { return f.now }),
		WithEventSink(func(e Event) { f.events = append(f.events, e) }),
	}
	service, err := NewService(auth, registry.New(store), distributor, assets, testCollection,
		append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.service = service
	return f
}

func (f *serviceFixture) saleVoucher() *voucher.Voucher {
	return &voucher.Voucher{
		Kind:             voucher.KindSale,
		Price:            big.NewInt(10000),
		Expiry:           uint64(f.now.Add(time.Hour).Unix()),
		TokenID:          big.NewInt(42),
		Quantity:         1,
		Salt:             big.NewInt(777),
		RoyaltyRecipient: testCreator,
		RoyaltyBps:       1000,
	}
}

func (f *serviceFixture) signedRequest(t *testing.T, v *voucher.Voucher, payment int64) RedeemRequest {
	t.Helper()
	sig, err := f.auth.Sign(v, f.key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return RedeemRequest{
		Voucher:   v,
		Signer:    f.signer,
		Signature: sig,
		Buyer:     testBuyer,
		Payment:   big.NewInt(payment),
	}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	var serr *SettlementError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SettlementError, got %T: %v", err, err)
	}
	if serr.Code != code {
		t.Fatalf("error code %s, expected %s (message: %s)", serr.Code, code, serr.Message)
	}
}

func hasEvent(events []Event, kind EventType) bool {
	for _, e := range events {
		if e.Type == kind {
			return true
		}
	}
	return false
}

func TestRedeemSale(t *testing.T) {
	f := newServiceFixture(t)
	req := f.signedRequest(t, f.saleVoucher(), 10500)

	result, err := f.service.RedeemSale(context.Background(), req)
	if err != nil {
		t.Fatalf("RedeemSale: %v", err)
	}
	if result.ID == "" {
		t.Error("settlement id not assigned")
	}

	// 10,500 gross: 525 fee, 1,050 voucher royalty, 8,925 to the signer.
	if f.funds.paidTo(testFeeRecipient).Cmp(big.NewInt(525)) != 0 {
		t.Errorf("fee: %s", f.funds.paidTo(testFeeRecipient))
	}
	if f.funds.paidTo(testCreator).Cmp(big.NewInt(1050)) != 0 {
		t.Errorf("royalty: %s", f.funds.paidTo(testCreator))
	}
	if f.funds.paidTo(f.signer).Cmp(big.NewInt(8925)) != 0 {
		t.Errorf("seller proceeds: %s", f.funds.paidTo(f.signer))
	}
	if f.assets.transfers != 1 || f.assets.lastFrom != f.signer || f.assets.lastTo != testBuyer {
		t.Errorf("asset transfer: %+v", f.assets)
	}
	if !hasEvent(f.events, EventVoucherRedeemed) || !hasEvent(f.events, EventPaymentMade) {
		t.Error("redeem events not emitted")
	}

	// The digest is consumed: the same voucher can never settle again.
	if _, err := f.service.RedeemSale(context.Background(), req); err == nil {
		t.Fatal("replayed voucher settled twice")
	} else {
		assertCode(t, err, ErrCodeVoucherVoided)
	}
}

func TestRedeemMint(t *testing.T) {
	f := newServiceFixture(t)
	v := f.saleVoucher()
	v.Kind = voucher.KindMint
	v.Quantity = 3
	req := f.signedRequest(t, v, 10000)

	if _, err := f.service.RedeemMint(context.Background(), req); err != nil {
		t.Fatalf("RedeemMint: %v", err)
	}

	if f.minter.mints != 1 || f.minter.lastTo != testBuyer || f.minter.lastQuantity != 3 {
		t.Errorf("minter: %+v", f.minter)
	}
	// Royalty terms are registered with the collection, not paid out on the
	// primary sale.
	if f.minter.lastRoyalty != testCreator || f.minter.lastBps != 1000 {
		t.Errorf("royalty terms not forwarded: %+v", f.minter)
	}
	if f.funds.paidTo(testCreator).Sign() != 0 {
		t.Errorf("royalty paid on primary sale: %s", f.funds.paidTo(testCreator))
	}
	// 10,000 gross: 500 fee, 9,500 to the creator-signer.
	if f.funds.paidTo(f.signer).Cmp(big.NewInt(9500)) != 0 {
		t.Errorf("seller proceeds: %s", f.funds.paidTo(f.signer))
	}
}

func TestRedeemKindMismatch(t *testing.T) {
	f := newServiceFixture(t)
	req := f.signedRequest(t, f.saleVoucher(), 10000)

	_, err := f.service.RedeemMint(context.Background(), req)
	assertCode(t, err, ErrCodeInvalidVoucher)
}

func TestRedeemExpired(t *testing.T) {
	f := newServiceFixture(t)
	v := f.saleVoucher()
	v.Expiry = uint64(f.now.Unix())
	req := f.signedRequest(t, v, 10000)

	_, err := f.service.RedeemSale(context.Background(), req)
	assertCode(t, err, ErrCodeVoucherExpired)
}

func TestRedeemRestrictedBuyer(t *testing.T) {
	f := newServiceFixture(t)
	v := f.saleVoucher()
	v.Buyer = common.HexToAddress("0x9999999999999999999999999999999999999999")
	req := f.signedRequest(t, v, 10000)

	_, err := f.service.RedeemSale(context.Background(), req)
	assertCode(t, err, ErrCodeBuyerRestricted)

	// The named buyer gets through.
	req.Buyer = v.Buyer
	if _, err := f.service.RedeemSale(context.Background(), req); err != nil {
		t.Fatalf("restricted buyer rejected: %v", err)
	}
}

func TestRedeemUnderpayment(t *testing.T) {
	f := newServiceFixture(t)
	req := f.signedRequest(t, f.saleVoucher(), 9999)

	_, err := f.service.RedeemSale(context.Background(), req)
	assertCode(t, err, ErrCodeUnderpayment)
	if f.funds.paidTo(f.signer).Sign() != 0 {
		t.Error("payment moved despite rejection")
	}
}

func TestRedeemBadSignature(t *testing.T) {
	f := newServiceFixture(t)
	req := f.signedRequest(t, f.saleVoucher(), 10000)
	req.Signature[4] ^= 0xff

	_, err := f.service.RedeemSale(context.Background(), req)
	assertCode(t, err, ErrCodeSignatureInvalid)
}

func TestRedeemWrongSigner(t *testing.T) {
	f := newServiceFixture(t)
	req := f.signedRequest(t, f.saleVoucher(), 10000)
	req.Signer = testCreator

	_, err := f.service.RedeemSale(context.Background(), req)
	assertCode(t, err, ErrCodeSignatureInvalid)
}

func TestVoidVouchers(t *testing.T) {
	f := newServiceFixture(t)
	v := f.saleVoucher()
	ctx := context.Background()

	if _, err := f.service.VoidVouchers(ctx, testBuyer, f.signer, []*voucher.Voucher{v}); err == nil {
		t.Fatal("non-signer voided a voucher")
	} else {
		assertCode(t, err, ErrCodeNotAuthorized)
	}

	digests, err := f.service.VoidVouchers(ctx, f.signer, f.signer, []*voucher.Voucher{v})
	if err != nil {
		t.Fatalf("VoidVouchers: %v", err)
	}
	if len(digests) != 1 {
		t.Fatalf("expected 1 digest, got %d", len(digests))
	}
	if !hasEvent(f.events, EventVoucherVoided) {
		t.Error("void event not emitted")
	}

	req := f.signedRequest(t, v, 10000)
	_, err = f.service.RedeemSale(ctx, req)
	assertCode(t, err, ErrCodeVoucherVoided)
}

// Once payment has been distributed, a failed asset delivery must not
// release the digest: retrying the voucher would pay the full split again.
func TestDeliveryFailureKeepsVoucherConsumed(t *testing.T) {
	f := newServiceFixture(t)
	f.assets.fail = true
	req := f.signedRequest(t, f.saleVoucher(), 10000)
	ctx := context.Background()

	_, err := f.service.RedeemSale(ctx, req)
	assertCode(t, err, ErrCodeSettlementFailed)
	if f.funds.paidTo(f.signer).Cmp(big.NewInt(8500)) != 0 {
		t.Fatalf("seller proceeds: %s", f.funds.paidTo(f.signer))
	}

	f.assets.fail = false
	_, err = f.service.RedeemSale(ctx, req)
	assertCode(t, err, ErrCodeVoucherVoided)
	if f.funds.countTo(f.signer) != 1 {
		t.Errorf("seller paid %d times for one sale", f.funds.countTo(f.signer))
	}
}

// A distribution that aborts partway through its transfers likewise keeps
// the digest consumed.
func TestPartialDistributionKeepsVoucherConsumed(t *testing.T) {
	f := newServiceFixture(t)
	f.funds.failTo = map[common.Address]bool{f.signer: true}
	req := f.signedRequest(t, f.saleVoucher(), 10000)
	ctx := context.Background()

	_, err := f.service.RedeemSale(ctx, req)
	assertCode(t, err, ErrCodeSettlementFailed)
	if f.funds.countTo(testFeeRecipient) != 1 || f.funds.countTo(testCreator) != 1 {
		t.Fatal("fee and royalty transfers should have executed before the failure")
	}

	f.funds.failTo = nil
	_, err = f.service.RedeemSale(ctx, req)
	assertCode(t, err, ErrCodeVoucherVoided)
	if f.funds.countTo(testFeeRecipient) != 1 {
		t.Errorf("fee paid %d times for one sale", f.funds.countTo(testFeeRecipient))
	}
}

// flakyResolver fails its first lookup before any transfer has run.
type flakyResolver struct {
	calls int
}

func (r *flakyResolver) Resolve(_ context.Context, _ common.Address, _, _ *big.Int) (*royalty.Split, error) {
	r.calls++
	if r.calls == 1 {
		return nil, royalty.ErrUnavailable
	}
	return &royalty.Split{}, nil
}

// A failure before any funds move releases the digest, so a transient
// royalty-lookup outage does not burn the voucher.
func TestPreTransferFailureReleasesDigest(t *testing.T) {
	f := newServiceFixtureWith(t, registry.NewMemoryStore(), &flakyResolver{})
	v := f.saleVoucher()
	v.RoyaltyBps = 0
	req := f.signedRequest(t, v, 10000)
	ctx := context.Background()

	_, err := f.service.RedeemSale(ctx, req)
	assertCode(t, err, ErrCodeRoyaltyLookup)
	if f.funds.countTo(testFeeRecipient) != 0 {
		t.Fatal("aborted distribution still moved funds")
	}

	if _, err := f.service.RedeemSale(ctx, req); err != nil {
		t.Fatalf("voucher unusable after aborted settlement: %v", err)
	}
}

func TestBeforeRedeemHookAbort(t *testing.T) {
	var saw RedeemContext
	f := newServiceFixture(t, WithBeforeRedeemHook(func(hctx RedeemContext) (*BeforeHookResult, error) {
		saw = hctx
		return &BeforeHookResult{Abort: true, Reason: "blocked by policy"}, nil
	}))
	req := f.signedRequest(t, f.saleVoucher(), 10000)

	_, err := f.service.RedeemSale(context.Background(), req)
	if err == nil || !strings.Contains(err.Error(), "blocked by policy") {
		t.Fatalf("expected abort reason in error, got %v", err)
	}
	if saw.Digest == ([32]byte{}) {
		t.Error("hook did not receive the voucher digest")
	}
	if f.funds.paidTo(f.signer).Sign() != 0 || f.assets.transfers != 0 {
		t.Error("aborted redemption still had effects")
	}
}

func TestOnRedeemFailureHookRecovers(t *testing.T) {
	substitute := &RedeemResult{ID: "recovered"}
	f := newServiceFixture(t, WithOnRedeemFailureHook(func(fctx RedeemFailureContext) (*RedeemFailureHookResult, error) {
		return &RedeemFailureHookResult{Recovered: true, Result: substitute}, nil
	}))
	v := f.saleVoucher()
	v.Expiry = 1
	req := f.signedRequest(t, v, 10000)

	result, err := f.service.RedeemSale(context.Background(), req)
	if err != nil {
		t.Fatalf("recovered redemption returned error: %v", err)
	}
	if result != substitute {
		t.Error("failure hook result not returned")
	}
}

// A payment recipient that re-enters redemption with the same voucher while
// its payout transfer is in flight must find the digest already consumed.
func TestReentrantReplayDuringPayout(t *testing.T) {
	f := newServiceFixture(t)
	req := f.signedRequest(t, f.saleVoucher(), 10000)
	ctx := context.Background()

	var reentrantErr error
	var reentered bool
	f.funds.onPay = func(common.Address, *big.Int) {
		if !reentered {
			reentered = true
			_, reentrantErr = f.service.RedeemSale(ctx, req)
		}
	}

	if _, err := f.service.RedeemSale(ctx, req); err != nil {
		t.Fatalf("RedeemSale: %v", err)
	}
	if !reentered {
		t.Fatal("payout callback did not run")
	}
	assertCode(t, reentrantErr, ErrCodeVoucherVoided)
	if f.assets.transfers != 1 {
		t.Errorf("asset moved %d times, expected once", f.assets.transfers)
	}
}

// rendezvousStore holds the first two replay checks until both have read, so
// two redemptions of the same voucher race past the fast-path check together.
type rendezvousStore struct {
	registry.Store

	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func (s *rendezvousStore) IsVoided(signer common.Address, digest [32]byte) (bool, error) {
	voided, err := s.Store.IsVoided(signer, digest)

	s.mu.Lock()
	s.arrived++
	if s.arrived == 2 {
		close(s.release)
	}
	s.mu.Unlock()
	<-s.release

	return voided, err
}

// Two redemptions of one voucher arriving at the same moment must settle it
// exactly once: one pays and delivers, the other fails on the consumed
// digest.
func TestConcurrentRedemptionsSettleOnce(t *testing.T) {
	store := &rendezvousStore{
		Store:   registry.NewMemoryStore(),
		release: make(chan struct{}),
	}
	f := newServiceFixtureWith(t, store, nil)
	req := f.signedRequest(t, f.saleVoucher(), 10000)
	ctx := context.Background()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := f.service.RedeemSale(ctx, req)
			errs <- err
		}()
	}

	var failures []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) != 1 {
		t.Fatalf("expected exactly one losing redemption, got %d failures", len(failures))
	}
	assertCode(t, failures[0], ErrCodeVoucherVoided)

	if f.funds.countTo(f.signer) != 1 {
		t.Errorf("seller paid %d times for one voucher", f.funds.countTo(f.signer))
	}
	if f.assets.transfers != 1 {
		t.Errorf("asset moved %d times, expected once", f.assets.transfers)
	}
}

func TestRedeemZeroExpiry(t *testing.T) {
	f := newServiceFixture(t)
	v := f.saleVoucher()
	v.Expiry = 0
	f.now = f.now.Add(100 * 365 * 24 * time.Hour)

	if _, err := f.service.RedeemSale(context.Background(), f.signedRequest(t, v, 10000)); err != nil {
		t.Fatalf("zero-expiry voucher rejected: %v", err)
	}
}

func TestAuctionPassThrough(t *testing.T) {
	funds := &recordingFunds{}
	store := auction.NewMemoryStore()
	distributor, err := payout.NewDistributor(500, testFeeRecipient, nil, funds)
	if err != nil {
		t.Fatalf("NewDistributor: %v", err)
	}
	assets := &recordingAssets{}
	escrow := common.HexToAddress("0xe5c0000000000000000000000000000000000000")
	engine := auction.NewEngine(store, assets, funds, distributor, escrow)

	f := newServiceFixture(t, WithAuctionEngine(engine))
	ctx := context.Background()

	a, err := f.service.CreateAuction(ctx, auction.CreateRequest{
		Operator: f.signer,
		Asset:    testCollection,
		TokenID:  big.NewInt(1),
		Reserve:  big.NewInt(100),
	})
	if err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}
	if !hasEvent(f.events, EventAuctionCreated) {
		t.Error("create event not emitted")
	}

	if _, err := f.service.PlaceBid(ctx, a.ID, testBuyer, big.NewInt(100)); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	if !hasEvent(f.events, EventBidPlaced) {
		t.Error("bid event not emitted")
	}

	if _, err := f.service.GetAuction(a.ID); err != nil {
		t.Fatalf("GetAuction: %v", err)
	}
}

func TestAuctionsDisabled(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.CreateAuction(context.Background(), auction.CreateRequest{})
	assertCode(t, err, ErrCodeAuctionState)
}
