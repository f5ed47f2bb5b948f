package royalty

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Resolver probes the configured conventions in order and returns the first
// answer. One Resolve call shares a single gas budget across every probe.
type Resolver struct {
	caller    Caller
	providers []Provider
	gasBudget uint64
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithGasBudget overrides the probing gas budget.
func WithGasBudget(budget uint64) ResolverOption {
	return func(r *Resolver) {
		r.gasBudget = budget
	}
}

// WithProviders overrides the convention list and its priority order.
func WithProviders(providers ...Provider) ResolverOption {
	return func(r *Resolver) {
		r.providers = providers
	}
}

// NewResolver creates a Resolver over the default convention order.
func NewResolver(caller Caller, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		caller:    caller,
		providers: DefaultProviders(),
		gasBudget: DefaultGasBudget,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the royalty split for selling tokenID of asset at
// salePrice.
//
// An asset answering no convention yields an empty split and no error. A
// probe that exhausts the gas budget, reports mismatched list lengths, or
// claims more than the sale amount aborts resolution with a hard error; the
// caller must not let the sale proceed.
func (r *Resolver) Resolve(ctx context.Context, asset common.Address, tokenID, salePrice *big.Int) (*Split, error) {
	metered := &meteredCaller{caller: r.caller, remaining: r.gasBudget}

	for _, provider := range r.providers {
		split, ok, err := provider.TryGet(ctx, metered, asset, tokenID, salePrice)
		if err != nil {
			return nil, fmt.Errorf("royalty probe %s: %w", provider.Name(), err)
		}
		if !ok {
			continue
		}
		if err := validateSplit(split, salePrice); err != nil {
			return nil, fmt.Errorf("royalty probe %s: %w", provider.Name(), err)
		}
		return compactSplit(split), nil
	}

	return &Split{}, nil
}

// validateSplit enforces the shape invariants every convention result must
// satisfy before it is paid out.
func validateSplit(split *Split, salePrice *big.Int) error {
	if len(split.Recipients) != len(split.Amounts) {
		return fmt.Errorf("%w: %d recipients, %d amounts", ErrLengthMismatch, len(split.Recipients), len(split.Amounts))
	}
	if split.Total().Cmp(salePrice) > 0 {
		return fmt.Errorf("%w: %s of %s", ErrExceedsSale, split.Total(), salePrice)
	}
	return nil
}

// compactSplit drops zero-amount entries so the distributor never issues
// empty transfers.
func compactSplit(split *Split) *Split {
	compact := &Split{}
	for i, amount := range split.Amounts {
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		compact.Recipients = append(compact.Recipients, split.Recipients[i])
		compact.Amounts = append(compact.Amounts, amount)
	}
	return compact
}
