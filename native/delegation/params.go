package delegation

import (
	"fmt"

	"bittrust/core/ledger"
)

// Params controls who may delegate and on what terms.
type Params struct {
	// MinDelegatorScore is the floor below which an account can neither
	// create delegations nor keep existing ones drawable.
	MinDelegatorScore uint64
	DefaultFee        ledger.Bps
	MaxFee            ledger.Bps
	DefaultRate       ledger.Bps
	// MaxDuration bounds the lifetime of a delegation in blocks.
	MaxDuration uint64
	// DefaultPenalty is the full reputation penalty; delegators bear the
	// share of it their defaulted draw represents.
	DefaultPenalty uint64
}

func DefaultParams() Params {
	return Params{
		MinDelegatorScore: 500,
		DefaultFee:        100,
		MaxFee:            ledger.BasisPoints,
		DefaultRate:       1_000,
		MaxDuration:       52_560,
		DefaultPenalty:    150,
	}
}

func (p Params) Validate() error {
	if p.MaxFee > ledger.BasisPoints {
		return fmt.Errorf("delegation: max fee %d above %d bps", p.MaxFee, ledger.BasisPoints)
	}
	if p.DefaultFee > p.MaxFee {
		return fmt.Errorf("delegation: default fee %d above max fee %d", p.DefaultFee, p.MaxFee)
	}
	if p.DefaultRate > ledger.BasisPoints {
		return fmt.Errorf("delegation: default rate %d above %d bps", p.DefaultRate, ledger.BasisPoints)
	}
	if p.MaxDuration == 0 {
		return fmt.Errorf("delegation: max duration must be positive")
	}
	return nil
}
