package payout

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/openmint/settlement/royalty"
)

var (
	feeRecipient = common.HexToAddress("0xfefefefefefefefefefefefefefefefefefefefe")
	seller       = common.HexToAddress("0x5e11e05e11e05e11e05e11e05e11e05e11e05e11")
	creator      = common.HexToAddress("0x1111111111111111111111111111111111111111")
	agent        = common.HexToAddress("0x2222222222222222222222222222222222222222")
	asset        = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
)

// fakeFunds records transfers and optionally fails for one recipient.
type fakeFunds struct {
	transfers []struct {
		To     common.Address
		Amount *big.Int
	}
	failFor *common.Address
}

func (f *fakeFunds) TransferValue(_ context.Context, to common.Address, amount *big.Int) error {
	if f.failFor != nil && *f.failFor == to {
		return errors.New("recipient rejected transfer")
	}
	f.transfers = append(f.transfers, struct {
		To     common.Address
		Amount *big.Int
	}{to, new(big.Int).Set(amount)})
	return nil
}

func (f *fakeFunds) total() *big.Int {
	total := new(big.Int)
	for _, tr := range f.transfers {
		total.Add(total, tr.Amount)
	}
	return total
}

// fixedResolver returns a canned split.
type fixedResolver struct {
	split *royalty.Split
	err   error
}

func (r *fixedResolver) Resolve(_ context.Context, _ common.Address, _, _ *big.Int) (*royalty.Split, error) {
	return r.split, r.err
}

func receiptTotal(r *Receipt) *big.Int {
	total := new(big.Int).Set(r.Fee.Amount)
	for _, p := range r.Royalties {
		total.Add(total, p.Amount)
	}
	for _, p := range r.Commissions {
		total.Add(total, p.Amount)
	}
	return total.Add(total, r.SellerProceeds.Amount)
}

// The end-to-end numbers from the auction scenario: 10,500 gross, 500 bps
// fee, 1000 bps royalty on a secondary sale.
func TestDistributeSecondarySale(t *testing.T) {
	funds := &fakeFunds{}
	resolver := &fixedResolver{split: &royalty.Split{
		Recipients: []common.Address{creator},
		Amounts:    []*big.Int{big.NewInt(1050)},
	}}

	d, err := NewDistributor(500, feeRecipient, resolver, funds)
	require.NoError(t, err)

	receipt, err := d.Distribute(context.Background(), Request{
		Gross:     big.NewInt(10500),
		Seller:    seller,
		Asset:     asset,
		TokenID:   big.NewInt(1),
		Secondary: true,
	})
	require.NoError(t, err)

	require.Equal(t, int64(525), receipt.Fee.Amount.Int64())
	require.Len(t, receipt.Royalties, 1)
	require.Equal(t, int64(1050), receipt.Royalties[0].Amount.Int64())
	require.Equal(t, int64(8925), receipt.SellerProceeds.Amount.Int64())
	require.Equal(t, seller, receipt.SellerProceeds.Recipient)

	// Conservation: every unit of the gross is accounted for and paid.
	require.Zero(t, receiptTotal(receipt).Cmp(big.NewInt(10500)))
	require.Zero(t, funds.total().Cmp(big.NewInt(10500)))

	// Order of transfers: fee, royalty, seller.
	require.Equal(t, feeRecipient, funds.transfers[0].To)
	require.Equal(t, creator, funds.transfers[1].To)
	require.Equal(t, seller, funds.transfers[2].To)
}

func TestDistributePrimarySaleSkipsRoyalty(t *testing.T) {
	funds := &fakeFunds{}
	resolver := &fixedResolver{err: errors.New("resolver must not be called")}

	d, err := NewDistributor(500, feeRecipient, resolver, funds)
	require.NoError(t, err)

	receipt, err := d.Distribute(context.Background(), Request{
		Gross:   big.NewInt(10000),
		Seller:  seller,
		Asset:   asset,
		TokenID: big.NewInt(1),
	})
	require.NoError(t, err)
	require.Empty(t, receipt.Royalties)
	require.Equal(t, int64(9500), receipt.SellerProceeds.Amount.Int64())
}

func TestDistributeFixedRoyaltyAndCommissions(t *testing.T) {
	funds := &fakeFunds{}
	d, err := NewDistributor(500, feeRecipient, nil, funds)
	require.NoError(t, err)

	receipt, err := d.Distribute(context.Background(), Request{
		Gross:       big.NewInt(10000),
		Seller:      seller,
		Asset:       asset,
		TokenID:     big.NewInt(1),
		Royalty:     &FixedRoyalty{Recipient: creator, Bps: 1000},
		Commissions: []Commission{{Recipient: agent, Bps: 250}},
	})
	require.NoError(t, err)

	require.Equal(t, int64(500), receipt.Fee.Amount.Int64())
	require.Equal(t, int64(1000), receipt.Royalties[0].Amount.Int64())
	require.Equal(t, int64(250), receipt.Commissions[0].Amount.Int64())
	require.Equal(t, int64(8250), receipt.SellerProceeds.Amount.Int64())
	require.Zero(t, receiptTotal(receipt).Cmp(big.NewInt(10000)))
}

func TestDistributeUnderflowAborts(t *testing.T) {
	funds := &fakeFunds{}
	d, err := NewDistributor(9000, feeRecipient, nil, funds)
	require.NoError(t, err)

	// 90% fee + 20% commission cannot fit into the gross.
	_, err = d.Distribute(context.Background(), Request{
		Gross:       big.NewInt(10000),
		Seller:      seller,
		Commissions: []Commission{{Recipient: agent, Bps: 2000}},
	})
	require.ErrorIs(t, err, ErrInsufficientGross)

	// No partial payout happened.
	require.Empty(t, funds.transfers)
}

func TestDistributeRoyaltyLookupFailureAborts(t *testing.T) {
	funds := &fakeFunds{}
	resolver := &fixedResolver{err: royalty.ErrBudgetExhausted}

	d, err := NewDistributor(500, feeRecipient, resolver, funds)
	require.NoError(t, err)

	_, err = d.Distribute(context.Background(), Request{
		Gross:     big.NewInt(10000),
		Seller:    seller,
		Asset:     asset,
		TokenID:   big.NewInt(1),
		Secondary: true,
	})
	require.ErrorIs(t, err, royalty.ErrBudgetExhausted)
	require.Empty(t, funds.transfers)
}

func TestDistributeTransferFailureAborts(t *testing.T) {
	failFor := creator
	funds := &fakeFunds{failFor: &failFor}

	d, err := NewDistributor(500, feeRecipient, nil, funds)
	require.NoError(t, err)

	_, err = d.Distribute(context.Background(), Request{
		Gross:   big.NewInt(10000),
		Seller:  seller,
		Royalty: &FixedRoyalty{Recipient: creator, Bps: 1000},
	})
	require.Error(t, err)

	// The fee transfer ran before the royalty failed; the error must say so,
	// because the caller may only roll back when nothing was executed.
	var tferr *TransferError
	require.ErrorAs(t, err, &tferr)
	require.Equal(t, 1, tferr.Executed)
}

func TestTransferErrorZeroExecutedOnFirstFailure(t *testing.T) {
	failFor := feeRecipient
	funds := &fakeFunds{failFor: &failFor}

	d, err := NewDistributor(500, feeRecipient, nil, funds)
	require.NoError(t, err)

	_, err = d.Distribute(context.Background(), Request{
		Gross:  big.NewInt(10000),
		Seller: seller,
	})
	var tferr *TransferError
	require.ErrorAs(t, err, &tferr)
	require.Zero(t, tferr.Executed)
	require.Empty(t, funds.transfers)
}

func TestTruncationFavorsRemainder(t *testing.T) {
	funds := &fakeFunds{}
	d, err := NewDistributor(333, feeRecipient, nil, funds)
	require.NoError(t, err)

	receipt, err := d.Distribute(context.Background(), Request{
		Gross:  big.NewInt(101),
		Seller: seller,
	})
	require.NoError(t, err)

	// 101 * 333 / 10000 = 3.36... truncates to 3; the fractional unit stays
	// with the seller remainder, never with the payee.
	require.Equal(t, int64(3), receipt.Fee.Amount.Int64())
	require.Equal(t, int64(98), receipt.SellerProceeds.Amount.Int64())
	require.Zero(t, receiptTotal(receipt).Cmp(big.NewInt(101)))
}

func TestZeroGross(t *testing.T) {
	funds := &fakeFunds{}
	d, err := NewDistributor(500, feeRecipient, nil, funds)
	require.NoError(t, err)

	receipt, err := d.Distribute(context.Background(), Request{
		Gross:  big.NewInt(0),
		Seller: seller,
	})
	require.NoError(t, err)
	require.Zero(t, receipt.SellerProceeds.Amount.Sign())
	require.Empty(t, funds.transfers)

	_, err = d.Distribute(context.Background(), Request{Seller: seller})
	require.ErrorIs(t, err, ErrInvalidGross)
}
