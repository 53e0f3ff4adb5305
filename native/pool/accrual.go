package pool

import (
	"math/big"

	"bittrust/core/ledger"
	"bittrust/core/types"
)

// AccrualResult reports what one accrual step booked.
type AccrualResult struct {
	Interest *big.Int
	Reserve  *big.Int
}

// Accrue advances p by delta blocks in place. The result depends only on the
// pool totals, the indexes, the curve and delta, so replaying the same inputs
// yields bit-identical indexes.
//
// The reserve skim is clamped to the pool's free liquidity so that
// TotalBorrowed <= TotalDeposited - ReserveBalance survives every step.
func Accrue(p *types.Pool, model *InterestModel, reserveFactor ledger.Bps, delta, blocksPerYear uint64) AccrualResult {
	result := AccrualResult{Interest: big.NewInt(0), Reserve: big.NewInt(0)}
	indexed := p.IndexedBorrowed()
	if delta == 0 || blocksPerYear == 0 || indexed.Sign() == 0 {
		return result
	}

	borrowAPR := model.BorrowAPR(p.TotalBorrowed, p.TotalDeposited)
	if borrowAPR.Sign() == 0 {
		return result
	}
	supplyRate := model.SupplyAPY(indexed, p.TotalBorrowed, p.TotalDeposited, reserveFactor)

	p.BorrowIndex = ledger.RayMul(p.BorrowIndex, ledger.RateFactor(borrowAPR, delta, blocksPerYear))
	p.SupplyIndex = ledger.RayMul(p.SupplyIndex, ledger.RateFactor(supplyRate, delta, blocksPerYear))

	interest := ledger.AccruedOver(indexed, borrowAPR, delta, blocksPerYear)
	if interest.Sign() == 0 {
		return result
	}
	skim := ledger.Min(ledger.MulBps(interest, reserveFactor), p.Available())

	p.TotalBorrowed = new(big.Int).Add(p.TotalBorrowed, interest)
	p.TotalDeposited = new(big.Int).Add(p.TotalDeposited, interest)
	p.ReserveBalance = new(big.Int).Add(p.ReserveBalance, skim)

	result.Interest = interest
	result.Reserve = skim
	return result
}
