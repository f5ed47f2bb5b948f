package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/openmint/settlement/royalty"
	"github.com/openmint/settlement/voucher"
)

const testKeyHex = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

// revertError mimics the rpc.DataError shape go-ethereum uses for execution
// reverts.
type revertError struct {
	msg string
}

func (e revertError) Error() string {
	return e.msg
}

func (e revertError) ErrorData() interface{} {
	return "0x"
}

type fakeBackend struct {
	callRet     []byte
	callErr     error
	estimate    uint64
	estimateErr error

	sent          []*types.Transaction
	receiptStatus uint64

	lastCall ethereum.CallMsg
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.lastCall = msg
	return b.callRet, b.callErr
}

func (b *fakeBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return b.estimate, b.estimateErr
}

func (b *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return uint64(len(b.sent)), nil
}

func (b *fakeBackend) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	if len(b.sent) == 0 {
		return nil, errors.New("not found")
	}
	return &types.Receipt{Status: b.receiptStatus}, nil
}

func newTestClient(t *testing.T, backend *fakeBackend) *Client {
	t.Helper()
	client, err := NewClient(backend, testKeyHex, big.NewInt(1), WithReceiptInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestCallContractReportsGas(t *testing.T) {
	backend := &fakeBackend{callRet: []byte{0x01}, estimate: 30_000}
	client := newTestClient(t, backend)
	target := common.HexToAddress("0x0000000000000000000000000000000000000042")

	ret, gasUsed, err := client.CallContract(context.Background(), target, []byte{0xaa}, 100_000)
	if err != nil {
		t.Fatalf("CallContract: %v", err)
	}
	if len(ret) != 1 || gasUsed != 30_000 {
		t.Errorf("ret %x gasUsed %d", ret, gasUsed)
	}
	if backend.lastCall.Gas != 100_000 {
		t.Errorf("gas cap not forwarded: %d", backend.lastCall.Gas)
	}
}

func TestCallContractRevertChargesFlatGas(t *testing.T) {
	backend := &fakeBackend{
		callErr:     revertError{msg: "execution reverted"},
		estimateErr: revertError{msg: "execution reverted"},
	}
	client := newTestClient(t, backend)
	target := common.HexToAddress("0x0000000000000000000000000000000000000042")

	_, gasUsed, err := client.CallContract(context.Background(), target, []byte{0xaa}, 100_000)
	if err == nil {
		t.Fatal("revert not surfaced")
	}
	if errors.Is(err, royalty.ErrUnavailable) {
		t.Error("revert misread as a transport failure")
	}
	if gasUsed != failedProbeGas {
		t.Errorf("gasUsed %d, expected flat charge %d", gasUsed, failedProbeGas)
	}
}

// A node or transport failure means the contract never executed; the error
// must be distinguishable from a revert so royalty probing does not read an
// outage as "convention not supported".
func TestCallContractTransportFailure(t *testing.T) {
	backend := &fakeBackend{
		callErr:     errors.New("connection refused"),
		estimateErr: errors.New("connection refused"),
	}
	client := newTestClient(t, backend)
	target := common.HexToAddress("0x0000000000000000000000000000000000000042")

	_, gasUsed, err := client.CallContract(context.Background(), target, []byte{0xaa}, 100_000)
	if !errors.Is(err, royalty.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if gasUsed != 0 {
		t.Errorf("gasUsed %d, expected no charge for a call that never ran", gasUsed)
	}
}

func TestCallContractGasCappedAtLimit(t *testing.T) {
	backend := &fakeBackend{callRet: []byte{}, estimate: 5_000_000}
	client := newTestClient(t, backend)
	target := common.HexToAddress("0x0000000000000000000000000000000000000042")

	_, gasUsed, err := client.CallContract(context.Background(), target, nil, 200_000)
	if err != nil {
		t.Fatalf("CallContract: %v", err)
	}
	if gasUsed != 200_000 {
		t.Errorf("gasUsed %d, expected to be capped at the limit", gasUsed)
	}
}

func TestIsValidSignature(t *testing.T) {
	signer := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	digest := [32]byte{1, 2, 3}
	magic := make([]byte, 32)
	copy(magic, voucher.EIP1271MagicValue[:])

	cases := []struct {
		name    string
		backend *fakeBackend
		want    bool
		wantErr bool
	}{
		{"magic value accepted", &fakeBackend{callRet: magic}, true, false},
		{"wrong value rejected", &fakeBackend{callRet: make([]byte, 32)}, false, false},
		{"revert rejected", &fakeBackend{callErr: revertError{msg: "execution reverted"}}, false, false},
		{"short return rejected", &fakeBackend{callRet: []byte{0x16}}, false, false},
		{"transport failure surfaced", &fakeBackend{callErr: errors.New("connection refused")}, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, tc.backend)
			valid, err := client.IsValidSignature(context.Background(), signer, digest, []byte{0x01})
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("IsValidSignature: %v", err)
			}
			if valid != tc.want {
				t.Errorf("valid = %v, expected %v", valid, tc.want)
			}
		})
	}
}

func TestTransferValue(t *testing.T) {
	backend := &fakeBackend{estimate: 21_000, receiptStatus: types.ReceiptStatusSuccessful}
	client := newTestClient(t, backend)
	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	if err := client.TransferValue(context.Background(), to, big.NewInt(12345)); err != nil {
		t.Fatalf("TransferValue: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if *tx.To() != to || tx.Value().Cmp(big.NewInt(12345)) != 0 {
		t.Errorf("transaction fields: to=%s value=%s", tx.To().Hex(), tx.Value())
	}
}

func TestTransferUses721And1155Shapes(t *testing.T) {
	backend := &fakeBackend{estimate: 80_000, receiptStatus: types.ReceiptStatusSuccessful}
	client := newTestClient(t, backend)
	collection := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	from := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	to := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	ctx := context.Background()

	if err := client.Transfer(ctx, collection, from, to, big.NewInt(7), 1); err != nil {
		t.Fatalf("Transfer quantity 1: %v", err)
	}
	if err := client.Transfer(ctx, collection, from, to, big.NewInt(7), 3); err != nil {
		t.Fatalf("Transfer quantity 3: %v", err)
	}
	if len(backend.sent) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(backend.sent))
	}

	selector721 := erc721ABI.Methods["safeTransferFrom"].ID
	selector1155 := erc1155ABI.Methods["safeTransferFrom"].ID
	if got := backend.sent[0].Data()[:4]; string(got) != string(selector721) {
		t.Errorf("unique asset selector %x, expected %x", got, selector721)
	}
	if got := backend.sent[1].Data()[:4]; string(got) != string(selector1155) {
		t.Errorf("multi-edition selector %x, expected %x", got, selector1155)
	}
}

func TestMintTargetsCollection(t *testing.T) {
	backend := &fakeBackend{estimate: 120_000, receiptStatus: types.ReceiptStatusSuccessful}
	client := newTestClient(t, backend)
	collection := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	minter := NewCollectionMinter(client, collection)
	buyer := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	creator := common.HexToAddress("0x00000000000000000000000000000000000000ff")

	if err := minter.Mint(context.Background(), buyer, big.NewInt(9), 2, creator, 1000); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	tx := backend.sent[0]
	if *tx.To() != collection {
		t.Errorf("mint sent to %s, expected the collection", tx.To().Hex())
	}
	selector := mintABI.Methods["mintTo"].ID
	if string(tx.Data()[:4]) != string(selector) {
		t.Errorf("mint selector %x, expected %x", tx.Data()[:4], selector)
	}
}

func TestRevertedReceiptFails(t *testing.T) {
	backend := &fakeBackend{estimate: 21_000, receiptStatus: types.ReceiptStatusFailed}
	client := newTestClient(t, backend)
	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	if err := client.TransferValue(context.Background(), to, big.NewInt(1)); err == nil {
		t.Fatal("reverted transaction reported success")
	}
}
