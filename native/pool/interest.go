package pool

import (
	"math/big"

	"bittrust/core/ledger"
)

// InterestModel encapsulates the parameters that shape how interest rates react
// to pool utilisation.
type InterestModel struct {
	// BaseRate is the borrow APR applied when utilisation is zero.
	BaseRate *big.Rat
	// Slope1 is the borrow APR increase per unit of utilisation up to the
	// kink point.
	Slope1 *big.Rat
	// Slope2 governs the additional APR increase applied when utilisation
	// exceeds the kink point.
	Slope2 *big.Rat
	// Kink represents the utilisation ratio where the borrow rate slope
	// changes to encourage liquidity.
	Kink *big.Rat
}

// Clone returns a deep copy of the interest model.
func (m *InterestModel) Clone() *InterestModel {
	if m == nil {
		return nil
	}
	return &InterestModel{
		BaseRate: cloneRat(m.BaseRate),
		Slope1:   cloneRat(m.Slope1),
		Slope2:   cloneRat(m.Slope2),
		Kink:     cloneRat(m.Kink),
	}
}

// NewKinkedModel builds the curve that rises linearly from base to target at
// the kink and from target to max at full utilisation.
func NewKinkedModel(base, target, maxRate, kink ledger.Bps) *InterestModel {
	model := &InterestModel{
		BaseRate: base.Rat(),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     kink.Rat(),
	}
	if kink > 0 && target > base {
		model.Slope1.SetFrac(
			new(big.Int).SetUint64(uint64(target-base)),
			new(big.Int).SetUint64(uint64(kink)),
		)
	}
	if kink < ledger.BasisPoints && maxRate > target {
		model.Slope2.SetFrac(
			new(big.Int).SetUint64(uint64(maxRate-target)),
			new(big.Int).SetUint64(uint64(ledger.BasisPoints-kink)),
		)
	}
	return model
}

// Utilisation computes the pool utilisation ratio U = totalBorrowed /
// totalSupplied. When no liquidity exists the utilisation is defined as zero.
func (m *InterestModel) Utilisation(totalBorrowed, totalSupplied *big.Int) *big.Rat {
	if totalBorrowed == nil || totalBorrowed.Sign() == 0 {
		return new(big.Rat)
	}
	if totalSupplied == nil || totalSupplied.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(totalBorrowed, totalSupplied)
}

// BorrowAPR derives the dynamic borrow APR based on the current utilisation.
func (m *InterestModel) BorrowAPR(totalBorrowed, totalSupplied *big.Int) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := cloneRat(m.BaseRate)
	utilisation := m.Utilisation(totalBorrowed, totalSupplied)
	if utilisation.Sign() == 0 {
		return rate
	}
	kink := cloneRat(m.Kink)
	if kink.Sign() == 0 || utilisation.Cmp(kink) <= 0 {
		return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), utilisation))
	}

	rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), kink))
	excess := new(big.Rat).Sub(utilisation, kink)
	return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope2), excess))
}

// SupplyAPY derives the supply rate as borrowAPR * U * (1 - reserveFactor).
// indexed is the borrowed amount that actually accrues through the index.
func (m *InterestModel) SupplyAPY(indexed, totalBorrowed, totalSupplied *big.Int, reserveFactor ledger.Bps) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	borrowAPR := m.BorrowAPR(totalBorrowed, totalSupplied)
	utilisation := m.Utilisation(indexed, totalSupplied)
	if borrowAPR.Sign() == 0 || utilisation.Sign() == 0 {
		return new(big.Rat)
	}
	oneMinusReserve := new(big.Rat).Sub(big.NewRat(1, 1), reserveFactor.Rat())
	if oneMinusReserve.Sign() < 0 {
		oneMinusReserve.SetInt64(0)
	}
	supply := new(big.Rat).Mul(borrowAPR, utilisation)
	return supply.Mul(supply, oneMinusReserve)
}

// ToBps floors a fractional rate into basis points.
func ToBps(rate *big.Rat) ledger.Bps {
	if rate == nil || rate.Sign() <= 0 {
		return 0
	}
	scaled := new(big.Rat).Mul(rate, new(big.Rat).SetInt64(ledger.BasisPoints))
	return ledger.Bps(new(big.Int).Quo(scaled.Num(), scaled.Denom()).Uint64())
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}
