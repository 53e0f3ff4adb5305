package lending

import (
	"fmt"

	"bittrust/core/ledger"
)

// Params carries the lending risk settings.
type Params struct {
	BlocksPerYear         uint64
	LiquidationRatio      ledger.Percent
	DefaultMinCollateral  ledger.Percent
	DefaultLenderFloor    uint64
	EnforceBorrowingLimit bool
	EscrowAccount         string
	// NFTMaxLTV bounds principal against the appraised NFT value.
	NFTMaxLTV           ledger.Bps
	NFTLiquidationRatio ledger.Percent
	NFTDefaultRate      ledger.Bps
}

// DefaultParams mirrors the platform defaults.
func DefaultParams() Params {
	return Params{
		BlocksPerYear:         52_560,
		LiquidationRatio:      110,
		DefaultMinCollateral:  150,
		EnforceBorrowingLimit: true,
		EscrowAccount:         "module:lending:escrow",
		NFTMaxLTV:             5_000,
		NFTLiquidationRatio:   160,
		NFTDefaultRate:        850,
	}
}

// Validate ensures the parameters are usable.
func (p Params) Validate() error {
	if p.BlocksPerYear == 0 {
		return fmt.Errorf("lending: blocks per year must be positive")
	}
	if p.LiquidationRatio == 0 {
		return fmt.Errorf("lending: liquidation ratio must be positive")
	}
	if p.EscrowAccount == "" {
		return fmt.Errorf("lending: escrow account required")
	}
	if p.NFTMaxLTV == 0 {
		return fmt.Errorf("lending: nft max ltv must be positive")
	}
	return p.NFTMaxLTV.Validate()
}
