package httpapi

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the HTTP server configuration, loaded from the environment.
type Config struct {
	// Addr is the listen address.
	Addr string `env:"SETTLEMENT_ADDR" envDefault:":8080"`

	// FeeBps is the platform fee in basis points.
	FeeBps uint64 `env:"SETTLEMENT_FEE_BPS" envDefault:"500"`

	// FeeRecipient receives the platform fee.
	FeeRecipient string `env:"SETTLEMENT_FEE_RECIPIENT"`

	// ChainID scopes voucher signatures to one chain.
	ChainID int64 `env:"SETTLEMENT_CHAIN_ID" envDefault:"1"`

	// RPCURL is the EVM node endpoint.
	RPCURL string `env:"SETTLEMENT_RPC_URL"`

	// DataDir holds the durable stores. Empty selects in-memory stores.
	DataDir string `env:"SETTLEMENT_DATA_DIR"`

	// RoyaltyGasBudget bounds the royalty probing sequence per settlement.
	RoyaltyGasBudget uint64 `env:"SETTLEMENT_ROYALTY_GAS_BUDGET" envDefault:"1000000"`

	// Collection is the NFT contract vouchers settle against; it is also the
	// EIP-712 verifying contract.
	Collection string `env:"SETTLEMENT_COLLECTION"`

	// DomainName is the EIP-712 signing domain name.
	DomainName string `env:"SETTLEMENT_DOMAIN_NAME" envDefault:"OpenMint"`

	// PrivateKey signs outbound transactions (hex, with or without 0x).
	PrivateKey string `env:"SETTLEMENT_PRIVATE_KEY"`
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}
