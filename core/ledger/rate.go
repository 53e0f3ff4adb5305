package ledger

import (
	"fmt"
	"math/big"
)

// BasisPoints is the denominator for Bps values.
const BasisPoints = 10_000

var basisPoints = big.NewInt(BasisPoints)

// Bps is a rate expressed in basis points; 10000 bps = 100%.
type Bps uint64

// Validate ensures the rate is within 0..10000.
func (b Bps) Validate() error {
	if b > BasisPoints {
		return fmt.Errorf("ledger: rate %d bps exceeds %d", uint64(b), BasisPoints)
	}
	return nil
}

// Rat returns the rate as a fraction of one.
func (b Bps) Rat() *big.Rat {
	return new(big.Rat).SetFrac(new(big.Int).SetUint64(uint64(b)), basisPoints)
}

// Percent is a whole percentage used for collateral ratios (150 = 150%).
type Percent uint64

// MulBps returns floor(amount * bps / 10000).
func MulBps(amount *big.Int, bps Bps) *big.Int {
	if amount == nil || amount.Sign() == 0 || bps == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	return out.Quo(out, basisPoints)
}

// MulBpsUp returns ceil(amount * bps / 10000).
func MulBpsUp(amount *big.Int, bps Bps) *big.Int {
	if amount == nil || amount.Sign() == 0 || bps == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	out.Add(out, big.NewInt(BasisPoints-1))
	return out.Quo(out, basisPoints)
}

// RatioBelow reports whether value/base < pct/100, evaluated without division.
// A zero base is never below any ratio.
func RatioBelow(value, base *big.Int, pct Percent) bool {
	if base == nil || base.Sign() == 0 {
		return false
	}
	lhs := new(big.Int).Mul(Copy(value), big.NewInt(100))
	rhs := new(big.Int).Mul(base, new(big.Int).SetUint64(uint64(pct)))
	return lhs.Cmp(rhs) < 0
}

// SimpleInterest returns floor(principal * rateBps/10000 * elapsed/blocksPerYear).
func SimpleInterest(principal *big.Int, rate Bps, elapsed, blocksPerYear uint64) *big.Int {
	if principal == nil || principal.Sign() == 0 || rate == 0 || elapsed == 0 || blocksPerYear == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(principal, new(big.Int).SetUint64(uint64(rate)))
	num.Mul(num, new(big.Int).SetUint64(elapsed))
	den := new(big.Int).Mul(basisPoints, new(big.Int).SetUint64(blocksPerYear))
	return num.Quo(num, den)
}

// PowThreeHalves returns floor(base * (num/den)^1.5) exactly. It relies on
// floor(sqrt(floor(x))) == floor(sqrt(x)) for non-negative x.
func PowThreeHalves(base *big.Int, num, den uint64) *big.Int {
	if base == nil || base.Sign() <= 0 || num == 0 || den == 0 {
		return big.NewInt(0)
	}
	n := new(big.Int).SetUint64(num)
	d := new(big.Int).SetUint64(den)
	// base^2 * num^3 / den^3
	radicand := new(big.Int).Mul(base, base)
	radicand.Mul(radicand, new(big.Int).Exp(n, big.NewInt(3), nil))
	radicand.Quo(radicand, new(big.Int).Exp(d, big.NewInt(3), nil))
	return radicand.Sqrt(radicand)
}
