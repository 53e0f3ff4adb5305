package reputation

import (
	"fmt"
	"math/big"
	"strings"

	"bittrust/core/ledger"
)

// referenceScore is the score at which an account may borrow exactly BaseLimit.
const referenceScore = 500

// Outcome classifies how a loan ended for the borrower.
type Outcome uint8

const (
	// OutcomeRepaid is a full repayment on or before the deadline.
	OutcomeRepaid Outcome = iota + 1
	// OutcomeRepaidLate is a full repayment after the deadline. It counts
	// toward volume but earns no score.
	OutcomeRepaidLate
	// OutcomeDefaulted covers missed deadlines and liquidations.
	OutcomeDefaulted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRepaid:
		return "repaid"
	case OutcomeRepaidLate:
		return "repaidLate"
	case OutcomeDefaulted:
		return "defaulted"
	default:
		return "unknown"
	}
}

// ParseOutcome maps the textual name of an outcome back to its value.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "repaid":
		return OutcomeRepaid, nil
	case "repaidlate", "repaid_late", "late":
		return OutcomeRepaidLate, nil
	case "defaulted", "default":
		return OutcomeDefaulted, nil
	default:
		return 0, fmt.Errorf("reputation: unknown outcome %q", s)
	}
}

// Params carries the score model coefficients.
type Params struct {
	InitialScore     uint64
	MaxScore         uint64
	RepayBase        uint64
	MaxRepayBonus    uint64
	VolumeNormalizer uint64
	DefaultPenalty   uint64
	CooldownBlocks   uint64
	BaseLimit        *big.Int
	MinRate          ledger.Bps
	MaxRate          ledger.Bps
}

// DefaultParams mirrors the platform defaults.
func DefaultParams() Params {
	return Params{
		InitialScore:     500,
		MaxScore:         1000,
		RepayBase:        10,
		MaxRepayBonus:    50,
		VolumeNormalizer: 1_000,
		DefaultPenalty:   150,
		CooldownBlocks:   4_320,
		BaseLimit:        big.NewInt(1_000_000),
		MinRate:          600,
		MaxRate:          1_600,
	}
}

// Validate ensures the coefficients are usable.
func (p Params) Validate() error {
	if p.MaxScore == 0 || p.InitialScore > p.MaxScore {
		return fmt.Errorf("reputation: initial score %d outside 0..%d", p.InitialScore, p.MaxScore)
	}
	if p.VolumeNormalizer == 0 {
		return fmt.Errorf("reputation: volume normalizer must be positive")
	}
	if err := ledger.ValidateAmount(p.BaseLimit); err != nil {
		return fmt.Errorf("reputation: base limit: %w", err)
	}
	if p.MinRate > p.MaxRate {
		return fmt.Errorf("reputation: min rate above max rate")
	}
	return p.MaxRate.Validate()
}
