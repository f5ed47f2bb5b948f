// Package royalty resolves creator royalties for an asset sale. Assets in the
// wild implement none, one, or a non-standard mix of royalty conventions, so
// resolution probes a fixed priority list of conventions and takes the first
// that answers. A failed probe (revert, missing function) moves resolution to
// the next convention; malformed answers, budget exhaustion, and calls that
// never reach the contract are hard failures.
package royalty

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// BpsDenominator is the basis-point scale shared by every percentage-based
// convention.
const BpsDenominator = 10_000

// DefaultGasBudget bounds the computational cost of one full probing
// sequence. A malicious asset contract can burn at most this much gas before
// the lookup is abandoned.
const DefaultGasBudget uint64 = 1_000_000

var (
	// ErrBudgetExhausted is returned when the probing sequence runs out of
	// gas budget. The sale must not proceed; silently skipping royalties is
	// not an acceptable fallback.
	ErrBudgetExhausted = errors.New("royalty lookup exceeded gas budget")

	// ErrLengthMismatch is returned when a convention reports recipient and
	// amount lists of different lengths.
	ErrLengthMismatch = errors.New("royalty recipients and amounts have mismatched lengths")

	// ErrExceedsSale is returned when the reported royalty total is larger
	// than the sale amount.
	ErrExceedsSale = errors.New("royalty total exceeds sale amount")

	// ErrUnavailable marks a call that failed before the contract could
	// execute, a transport or node failure rather than a revert. Probing
	// cannot tell whether the convention is supported, so resolution aborts
	// instead of declaring the asset royalty-free.
	ErrUnavailable = errors.New("royalty call could not reach the contract")
)

// Split is the transient result of one royalty lookup: parallel recipient and
// amount lists. Splits are recomputed on every settlement and never cached,
// so royalty configuration changes between sales take effect immediately.
type Split struct {
	Recipients []common.Address
	Amounts    []*big.Int
}

// Empty reports whether the split carries no payouts.
func (s *Split) Empty() bool {
	return len(s.Recipients) == 0
}

// Total returns the sum of all amounts.
func (s *Split) Total() *big.Int {
	total := new(big.Int)
	for _, amount := range s.Amounts {
		total.Add(total, amount)
	}
	return total
}

// Caller executes a read-only contract call with a gas cap and reports how
// much of the cap was consumed. The chain package provides the production
// implementation over eth_call.
type Caller interface {
	CallContract(ctx context.Context, to common.Address, input []byte, gasLimit uint64) (ret []byte, gasUsed uint64, err error)
}

// ContractCaller is the budget-free view providers see. The resolver hands
// providers a metered wrapper that charges every call against the shared
// probe budget.
type ContractCaller interface {
	CallContract(ctx context.Context, to common.Address, input []byte) ([]byte, error)
}

// Provider is one royalty convention. TryGet returns (split, true, nil) when
// the asset answers the convention, (nil, false, nil) when it does not, and a
// non-nil error only for hard failures that must abort the sale.
type Provider interface {
	Name() string
	TryGet(ctx context.Context, caller ContractCaller, asset common.Address, tokenID, salePrice *big.Int) (*Split, bool, error)
}

// meteredCaller charges every contract call against a shared gas budget.
type meteredCaller struct {
	caller    Caller
	remaining uint64
}

func (m *meteredCaller) CallContract(ctx context.Context, to common.Address, input []byte) ([]byte, error) {
	if m.remaining == 0 {
		return nil, ErrBudgetExhausted
	}

	ret, gasUsed, err := m.caller.CallContract(ctx, to, input, m.remaining)
	if gasUsed >= m.remaining {
		m.remaining = 0
	} else {
		m.remaining -= gasUsed
	}

	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		if m.remaining == 0 {
			return nil, fmt.Errorf("%w: %v", ErrBudgetExhausted, err)
		}
		return nil, err
	}
	return ret, nil
}

// mustABI parses a compile-time ABI definition.
func mustABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI definition: %v", err))
	}
	return parsed
}

// probe packs a call, executes it, and unpacks the result. A revert or
// garbage return data reads as "convention not supported"; only budget
// exhaustion and encoding bugs surface as errors.
func probe(
	ctx context.Context,
	caller ContractCaller,
	to common.Address,
	contractABI abi.ABI,
	method string,
	args ...interface{},
) ([]interface{}, bool, error) {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	ret, err := caller.CallContract(ctx, to, input)
	if err != nil {
		if errors.Is(err, ErrBudgetExhausted) || errors.Is(err, ErrUnavailable) {
			return nil, false, err
		}
		return nil, false, nil
	}

	values, err := contractABI.Unpack(method, ret)
	if err != nil {
		return nil, false, nil
	}
	return values, true, nil
}

// bpsAmount computes salePrice * bps / 10_000 with truncating division.
func bpsAmount(salePrice, bps *big.Int) *big.Int {
	amount := new(big.Int).Mul(salePrice, bps)
	return amount.Div(amount, big.NewInt(BpsDenominator))
}

// splitFromBps builds a split out of parallel recipient/bps lists.
func splitFromBps(salePrice *big.Int, recipients []common.Address, bps []*big.Int) (*Split, error) {
	if len(recipients) != len(bps) {
		return nil, fmt.Errorf("%w: %d recipients, %d shares", ErrLengthMismatch, len(recipients), len(bps))
	}
	split := &Split{
		Recipients: recipients,
		Amounts:    make([]*big.Int, len(bps)),
	}
	for i, share := range bps {
		split.Amounts[i] = bpsAmount(salePrice, share)
	}
	return split, nil
}
