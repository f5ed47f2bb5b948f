// Package chain provides the go-ethereum backed collaborator implementations
// the settlement core consumes: read-only royalty probing with gas
// accounting, EIP-1271 contract-signature validation, and transaction-based
// value, asset, and mint operations.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/openmint/settlement/royalty"
	"github.com/openmint/settlement/voucher"
)

// Backend is the subset of ethclient.Client the chain client uses.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

const (
	// failedProbeGas is charged against the royalty budget when a probe
	// reverts before the node can report a usable estimate.
	failedProbeGas = 10_000

	defaultReceiptInterval = 500 * time.Millisecond
)

var (
	eip1271ABI = mustABI(`[{"name":"isValidSignature","type":"function","stateMutability":"view","inputs":[{"name":"hash","type":"bytes32"},{"name":"signature","type":"bytes"}],"outputs":[{"name":"","type":"bytes4"}]}]`)

	erc721ABI  = mustABI(`[{"name":"safeTransferFrom","type":"function","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]}]`)
	erc1155ABI = mustABI(`[{"name":"safeTransferFrom","type":"function","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"id","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]}]`)

	mintABI = mustABI(`[{"name":"mintTo","type":"function","inputs":[{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"},{"name":"quantity","type":"uint256"},{"name":"royaltyRecipient","type":"address"},{"name":"royaltyBps","type":"uint96"}],"outputs":[]}]`)
)

// isRevert reports whether err carries execution revert data, as opposed to
// a transport or node failure that never reached the contract.
func isRevert(err error) bool {
	var dataErr rpc.DataError
	return errors.As(err, &dataErr)
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Client talks to an EVM chain on behalf of the settlement service. The
// private key signs outbound transactions; reads go straight through the
// backend.
type Client struct {
	backend         Backend
	key             *ecdsa.PrivateKey
	from            common.Address
	chainID         *big.Int
	receiptInterval time.Duration
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithReceiptInterval sets how often the client polls for a transaction
// receipt.
func WithReceiptInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.receiptInterval = interval
	}
}

// NewClient creates a chain client from a hex-encoded private key (with or
// without "0x" prefix).
func NewClient(backend Backend, privateKeyHex string, chainID *big.Int, opts ...ClientOption) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	if chainID == nil {
		return nil, fmt.Errorf("chain id is required")
	}

	c := &Client{
		backend:         backend,
		key:             key,
		from:            crypto.PubkeyToAddress(key.PublicKey),
		chainID:         chainID,
		receiptInterval: defaultReceiptInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// From returns the address transactions are sent from.
func (c *Client) From() common.Address {
	return c.from
}

// CallContract executes a read-only call with a gas cap and reports the gas
// the call consumed, estimated via the node. A revert is returned as a plain
// error with a flat gas charge so royalty probing can account for it without
// trusting the uncooperative contract. A transport failure is wrapped in
// royalty.ErrUnavailable: the contract never executed, so the caller must
// not read the failure as "convention not supported".
func (c *Client) CallContract(ctx context.Context, to common.Address, input []byte, gasLimit uint64) ([]byte, uint64, error) {
	msg := ethereum.CallMsg{From: c.from, To: &to, Data: input, Gas: gasLimit}

	gasUsed, estimateErr := c.backend.EstimateGas(ctx, msg)
	if estimateErr != nil {
		gasUsed = failedProbeGas
	}
	if gasLimit > 0 && gasUsed > gasLimit {
		gasUsed = gasLimit
	}

	ret, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		if !isRevert(err) {
			return nil, 0, fmt.Errorf("%w: %v", royalty.ErrUnavailable, err)
		}
		return nil, gasUsed, fmt.Errorf("contract call reverted: %w", err)
	}
	return ret, gasUsed, nil
}

// IsValidSignature performs the EIP-1271 check against the signer contract.
// A revert or a non-magic return value means the signature is not accepted;
// only transport-level failures surface as errors.
func (c *Client) IsValidSignature(ctx context.Context, signer common.Address, digest [32]byte, signature []byte) (bool, error) {
	input, err := eip1271ABI.Pack("isValidSignature", digest, signature)
	if err != nil {
		return false, fmt.Errorf("failed to pack isValidSignature: %w", err)
	}

	ret, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &signer, Data: input}, nil)
	if err != nil {
		// Contract signers typically revert for signatures they reject.
		if isRevert(err) {
			return false, nil
		}
		return false, fmt.Errorf("isValidSignature call failed: %w", err)
	}
	if len(ret) < 4 {
		return false, nil
	}
	return [4]byte(ret[:4]) == voucher.EIP1271MagicValue, nil
}

// TransferValue sends amount to the recipient and waits for the transaction
// to be mined.
func (c *Client) TransferValue(ctx context.Context, to common.Address, amount *big.Int) error {
	return c.transact(ctx, &to, amount, nil)
}

// Transfer moves quantity editions of tokenID in collection from one holder
// to another. Unique assets use the ERC-721 transfer shape; multi-edition
// assets use ERC-1155.
func (c *Client) Transfer(ctx context.Context, collection, from, to common.Address, tokenID *big.Int, quantity uint64) error {
	var input []byte
	var err error
	if quantity <= 1 {
		input, err = erc721ABI.Pack("safeTransferFrom", from, to, tokenID)
	} else {
		input, err = erc1155ABI.Pack("safeTransferFrom", from, to, tokenID, new(big.Int).SetUint64(quantity), []byte{})
	}
	if err != nil {
		return fmt.Errorf("failed to pack transfer: %w", err)
	}
	return c.transact(ctx, &collection, nil, input)
}

// CollectionMinter binds the client to one collection contract and satisfies
// the settlement service's mint collaborator.
type CollectionMinter struct {
	client     *Client
	collection common.Address
}

// NewCollectionMinter creates a minter for the given collection contract.
func NewCollectionMinter(client *Client, collection common.Address) *CollectionMinter {
	return &CollectionMinter{client: client, collection: collection}
}

// Mint creates quantity editions of tokenID for the buyer, registering the
// voucher's royalty terms with the collection.
func (m *CollectionMinter) Mint(ctx context.Context, to common.Address, tokenID *big.Int, quantity uint64, royaltyRecipient common.Address, royaltyBps uint64) error {
	input, err := mintABI.Pack("mintTo", to, tokenID, new(big.Int).SetUint64(quantity), royaltyRecipient, new(big.Int).SetUint64(royaltyBps))
	if err != nil {
		return fmt.Errorf("failed to pack mint: %w", err)
	}
	return m.client.transact(ctx, &m.collection, nil, input)
}

// transact builds, signs, submits, and waits for one transaction. A reverted
// receipt is an error; the caller treats it as an abort of the whole
// settlement.
func (c *Client) transact(ctx context.Context, to *common.Address, value *big.Int, input []byte) error {
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return fmt.Errorf("failed to fetch nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch gas price: %w", err)
	}
	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: to, Value: value, Data: input})
	if err != nil {
		return fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     input,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("failed to send transaction: %w", err)
	}

	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("transaction %s reverted", signed.Hash().Hex())
	}
	return nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.receiptInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for transaction %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
