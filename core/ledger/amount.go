// Package ledger holds the arithmetic primitives shared by every engine:
// integer amounts in the smallest on-chain unit, basis-point rates, block
// heights and ray (1e27) fixed point helpers. Nothing here reads wall time.
package ledger

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// ErrNilAmount marks a missing amount.
	ErrNilAmount = errors.New("ledger: amount required")
	// ErrNegativeAmount marks amounts below zero.
	ErrNegativeAmount = errors.New("ledger: amount must not be negative")
	// ErrAmountOverflow marks amounts that do not fit in 256 bits.
	ErrAmountOverflow = errors.New("ledger: amount overflows 256 bits")
)

// ValidateAmount checks that amount is present, non-negative and representable
// as an unsigned 256-bit integer.
func ValidateAmount(amount *big.Int) error {
	if amount == nil {
		return ErrNilAmount
	}
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return ErrAmountOverflow
	}
	return nil
}

// ValidatePositive is ValidateAmount with zero rejected.
func ValidatePositive(amount *big.Int) error {
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return errors.New("ledger: amount must be positive")
	}
	return nil
}

// Zero returns a fresh zero amount.
func Zero() *big.Int { return big.NewInt(0) }

// Copy returns a deep copy, mapping nil to zero.
func Copy(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// SubFloor returns a-b clamped at zero.
func SubFloor(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(Copy(a), Copy(b))
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}
