package voucher

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain scopes voucher digests to one marketplace deployment on one chain.
// Changing any domain value invalidates every previously issued signature;
// there is intentionally no migration path, vouchers must be reissued.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// voucherTypes is the fixed, versioned field ordering shared by signer and
// verifier tooling. Both voucher kinds use the same field set; only the
// primary type name differs.
var voucherFields = []apitypes.Type{
	{Name: "price", Type: "uint256"},
	{Name: "expiry", Type: "uint256"},
	{Name: "tokenId", Type: "uint256"},
	{Name: "quantity", Type: "uint256"},
	{Name: "salt", Type: "uint256"},
	{Name: "buyer", Type: "address"},
	{Name: "contractSigner", Type: "address"},
	{Name: "royaltyRecipient", Type: "address"},
	{Name: "royaltyBps", Type: "uint256"},
	{Name: "commissionBps", Type: "uint256[]"},
	{Name: "commissionRecipients", Type: "address[]"},
}

// Authenticator produces and checks voucher digests for one signing domain.
// The domain separator is computed once at construction and cached.
type Authenticator struct {
	domain    Domain
	separator []byte
	typedData apitypes.TypedData
}

// NewAuthenticator builds an Authenticator for the given domain and caches
// the domain separator hash.
func NewAuthenticator(domain Domain) (*Authenticator, error) {
	if domain.ChainID == nil {
		return nil, fmt.Errorf("domain chain id is required")
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			string(KindMint): voucherFields,
			string(KindSale): voucherFields,
		},
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
	}

	separator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	return &Authenticator{
		domain:    domain,
		separator: separator,
		typedData: typedData,
	}, nil
}

// Domain returns the signing domain the authenticator was built with.
func (a *Authenticator) Domain() Domain {
	return a.domain
}

// Digest computes the EIP-712 digest of the voucher:
// keccak256("\x19\x01" || domainSeparator || structHash).
//
// The digest uniquely identifies the voucher and doubles as its replay
// registry key.
func (a *Authenticator) Digest(v *Voucher) ([32]byte, error) {
	var digest [32]byte

	if err := v.Validate(); err != nil {
		return digest, err
	}

	structHash, err := a.typedData.HashStruct(string(v.Kind), v.toMessage())
	if err != nil {
		return digest, fmt.Errorf("failed to hash voucher struct: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, a.separator...)
	rawData = append(rawData, structHash...)
	copy(digest[:], crypto.Keccak256(rawData))

	return digest, nil
}
