package royalty

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// The eight supported conventions, in probing priority order. The first
// convention that answers wins; results from multiple conventions are never
// merged.
var (
	erc2981ABI = mustABI(`[{"name":"royaltyInfo","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"},{"name":"salePrice","type":"uint256"}],"outputs":[{"name":"receiver","type":"address"},{"name":"royaltyAmount","type":"uint256"}]}]`)

	manifoldABI = mustABI(`[{"name":"getRoyalties","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"recipients","type":"address[]"},{"name":"bps","type":"uint256[]"}]}]`)

	raribleV2ABI = mustABI(`[{"name":"getRaribleV2Royalties","type":"function","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"tuple[]","components":[{"name":"account","type":"address"},{"name":"value","type":"uint96"}]}]}]`)

	raribleV1ABI = mustABI(`[{"name":"getFeeRecipients","type":"function","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"address[]"}]},{"name":"getFeeBps","type":"function","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"uint256[]"}]}]`)

	foundationABI = mustABI(`[{"name":"getFees","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"recipients","type":"address[]"},{"name":"bps","type":"uint256[]"}]}]`)

	zoraABI = mustABI(`[{"name":"bidSharesForToken","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"tuple","components":[{"name":"prevOwner","type":"tuple","components":[{"name":"value","type":"uint256"}]},{"name":"creator","type":"tuple","components":[{"name":"value","type":"uint256"}]},{"name":"owner","type":"tuple","components":[{"name":"value","type":"uint256"}]}]}]},{"name":"tokenCreators","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]}]`)

	superRareABI = mustABI(`[{"name":"tokenCreator","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]}]`)

	contractWideABI = mustABI(`[{"name":"royaltyRecipient","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},{"name":"royaltyBps","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}]`)
)

// DefaultProviders returns the conventions in their fixed priority order.
func DefaultProviders() []Provider {
	return []Provider{
		erc2981Provider{},
		manifoldProvider{},
		raribleV2Provider{},
		raribleV1Provider{},
		foundationProvider{},
		zoraProvider{},
		superRareProvider{},
		contractWideProvider{},
	}
}

// erc2981Provider probes the standardized royaltyInfo call. This is the
// primary convention; assets implementing it never fall through to the
// legacy ones.
type erc2981Provider struct{}

func (erc2981Provider) Name() string { return "erc2981" }

func (erc2981Provider) TryGet(ctx context.Context, caller ContractCaller, asset common.Address, tokenID, salePrice *big.Int) (*Split, bool, error) {
	values, ok, err := probe(ctx, caller, asset, erc2981ABI, "royaltyInfo", tokenID, salePrice)
	if err != nil || !ok {
		return nil, false, err
	}

	receiver := *abi.ConvertType(values[0], new(common.Address)).(*common.Address)
	amount := *abi.ConvertType(values[1], new(*big.Int)).(**big.Int)
	if receiver == (common.Address{}) {
		return &Split{}, true, nil
	}

	return &Split{
		Recipients: []common.Address{receiver},
		Amounts:    []*big.Int{amount},
	}, true, nil
}

// manifoldProvider probes Manifold's getRoyalties, which reports parallel
// recipient and basis-point lists.
type manifoldProvider struct{}

func (manifoldProvider) Name() string { return "manifold" }

func (manifoldProvider) TryGet(ctx context.Context, caller ContractCaller, asset common.Address, tokenID, salePrice *big.Int) (*Split, bool, error) {
	values, ok, err := probe(ctx, caller, asset, manifoldABI, "getRoyalties", tokenID)
	if err != nil || !ok {
		return nil, false, err
	}

	recipients := *abi.ConvertType(values[0], new([]common.Address)).(*[]common.Address)
	bps := *abi.ConvertType(values[1], new([]*big.Int)).(*[]*big.Int)

	split, err := splitFromBps(salePrice, recipients, bps)
	if err != nil {
		return nil, false, err
	}
	return split, true, nil
}

// raribleV2Part mirrors the LibPart.Part tuple used by Rarible v2.
type raribleV2Part struct {
	Account common.Address
	Value   *big.Int
}

type raribleV2Provider struct{}

func (raribleV2Provider) Name() string { return "rarible-v2" }

func (raribleV2Provider) TryGet(ctx context.Context, caller ContractCaller, asset common.Address, tokenID, salePrice *big.Int) (*Split, bool, error) {
	values, ok, err := probe(ctx, caller, asset, raribleV2ABI, "getRaribleV2Royalties", tokenID)
	if err != nil || !ok {
		return nil, false, err
	}

	parts := *abi.ConvertType(values[0], new([]raribleV2Part)).(*[]raribleV2Part)

	split := &Split{
		Recipients: make([]common.Address, len(parts)),
		Amounts:    make([]*big.Int, len(parts)),
	}
	for i, part := range parts {
		split.Recipients[i] = part.Account
		split.Amounts[i] = bpsAmount(salePrice, part.Value)
	}
	return split, true, nil
}

// raribleV1Provider probes the older two-call shape: getFeeRecipients plus
// getFeeBps. Both calls must answer; the lists must be parallel.
type raribleV1Provider struct{}

func (raribleV1Provider) Name() string { return "rarible-v1" }

func (raribleV1Provider) TryGet(ctx context.Context, caller ContractCaller, asset common.Address, tokenID, salePrice *big.Int) (*Split, bool, error) {
	recipientValues, ok, err := probe(ctx, caller, asset, raribleV1ABI, "getFeeRecipients", tokenID)
	if err != nil || !ok {
		return nil, false, err
	}
	bpsValues, ok, err := probe(ctx, caller, asset, raribleV1ABI, "getFeeBps", tokenID)
	if err != nil || !ok {
		return nil, false, err
	}

	recipients := *abi.ConvertType(recipientValues[0], new([]common.Address)).(*[]common.Address)
	bps := *abi.ConvertType(bpsValues[0], new([]*big.Int)).(*[]*big.Int)

	split, err := splitFromBps(salePrice, recipients, bps)
	if err != nil {
		return nil, false, err
	}
	return split, true, nil
}

type foundationProvider struct{}

func (foundationProvider) Name() string { return "foundation" }

func (foundationProvider) TryGet(ctx context.Context, caller ContractCaller, asset common.Address, tokenID, salePrice *big.Int) (*Split, bool, error) {
	values, ok, err := probe(ctx, caller, asset, foundationABI, "getFees", tokenID)
	if err != nil || !ok {
		return nil, false, err
	}

	recipients := *abi.ConvertType(values[0], new([]common.Address)).(*[]common.Address)
	bps := *abi.ConvertType(values[1], new([]*big.Int)).(*[]*big.Int)

	split, err := splitFromBps(salePrice, recipients, bps)
	if err != nil {
		return nil, false, err
	}
	return split, true, nil
}

// zoraDecimal mirrors Zora's Decimal.D256 wrapper: an 18-decimal percentage.
type zoraDecimal struct {
	Value *big.Int
}

// zoraBidShares mirrors Zora's IMarket.BidShares tuple.
type zoraBidShares struct {
	PrevOwner zoraDecimal
	Creator   zoraDecimal
	Owner     zoraDecimal
}

// zoraShareDenominator converts an 18-decimal percentage into an absolute
// amount: amount = salePrice * share / (100 * 10^18).
var zoraShareDenominator = new(big.Int).Mul(big.NewInt(100), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

type zoraProvider struct{}

func (zoraProvider) Name() string { return "zora" }

func (zoraProvider) TryGet(ctx context.Context, caller ContractCaller, asset common.Address, tokenID, salePrice *big.Int) (*Split, bool, error) {
	sharesValues, ok, err := probe(ctx, caller, asset, zoraABI, "bidSharesForToken", tokenID)
	if err != nil || !ok {
		return nil, false, err
	}
	creatorValues, ok, err := probe(ctx, caller, asset, zoraABI, "tokenCreators", tokenID)
	if err != nil || !ok {
		return nil, false, err
	}

	shares := *abi.ConvertType(sharesValues[0], new(zoraBidShares)).(*zoraBidShares)
	creator := *abi.ConvertType(creatorValues[0], new(common.Address)).(*common.Address)
	if creator == (common.Address{}) || shares.Creator.Value == nil || shares.Creator.Value.Sign() == 0 {
		return &Split{}, true, nil
	}

	amount := new(big.Int).Mul(salePrice, shares.Creator.Value)
	amount.Div(amount, zoraShareDenominator)

	return &Split{
		Recipients: []common.Address{creator},
		Amounts:    []*big.Int{amount},
	}, true, nil
}

// superRareRoyaltyBps is SuperRare's fixed secondary-sale royalty.
const superRareRoyaltyBps = 1000

type superRareProvider struct{}

func (superRareProvider) Name() string { return "superrare" }

func (superRareProvider) TryGet(ctx context.Context, caller ContractCaller, asset common.Address, tokenID, salePrice *big.Int) (*Split, bool, error) {
	values, ok, err := probe(ctx, caller, asset, superRareABI, "tokenCreator", tokenID)
	if err != nil || !ok {
		return nil, false, err
	}

	creator := *abi.ConvertType(values[0], new(common.Address)).(*common.Address)
	if creator == (common.Address{}) {
		return &Split{}, true, nil
	}

	return &Split{
		Recipients: []common.Address{creator},
		Amounts:    []*big.Int{bpsAmount(salePrice, big.NewInt(superRareRoyaltyBps))},
	}, true, nil
}

// contractWideProvider probes the collection-level royaltyRecipient and
// royaltyBps pair, the last-resort vendor convention.
type contractWideProvider struct{}

func (contractWideProvider) Name() string { return "contract-wide" }

func (contractWideProvider) TryGet(ctx context.Context, caller ContractCaller, asset common.Address, _ *big.Int, salePrice *big.Int) (*Split, bool, error) {
	recipientValues, ok, err := probe(ctx, caller, asset, contractWideABI, "royaltyRecipient")
	if err != nil || !ok {
		return nil, false, err
	}
	bpsValues, ok, err := probe(ctx, caller, asset, contractWideABI, "royaltyBps")
	if err != nil || !ok {
		return nil, false, err
	}

	recipient := *abi.ConvertType(recipientValues[0], new(common.Address)).(*common.Address)
	bps := *abi.ConvertType(bpsValues[0], new(*big.Int)).(**big.Int)
	if recipient == (common.Address{}) || bps.Sign() == 0 {
		return &Split{}, true, nil
	}

	return &Split{
		Recipients: []common.Address{recipient},
		Amounts:    []*big.Int{bpsAmount(salePrice, bps)},
	}, true, nil
}
