package pool

import (
	"math/big"

	"github.com/shopspring/decimal"

	"bittrust/core/ledger"
)

const displayPrecision = 6

// Snapshot is the read-only view of a pool. Ratios are rendered as decimal
// strings; amounts stay integral.
type Snapshot struct {
	Asset            string        `json:"asset"`
	TotalDeposited   string        `json:"totalDeposited"`
	TotalBorrowed    string        `json:"totalBorrowed"`
	ReserveBalance   string        `json:"reserveBalance"`
	Available        string        `json:"available"`
	TotalShares      string        `json:"totalShares"`
	Utilization      string        `json:"utilization"`
	BorrowAPR        string        `json:"borrowApr"`
	SupplyAPR        string        `json:"supplyApr"`
	SupplyIndex      string        `json:"supplyIndex"`
	BorrowIndex      string        `json:"borrowIndex"`
	LastAccrualBlock ledger.Height `json:"lastAccrualBlock"`
}

// Snapshot renders the pool for asset as of the engine's height without
// persisting the accrual.
func (e *Engine) Snapshot(asset string) (*Snapshot, error) {
	p, err := e.accrued(asset)
	if err != nil {
		return nil, err
	}
	utilisation := e.model.Utilisation(p.TotalBorrowed, p.TotalDeposited)
	borrowAPR := e.model.BorrowAPR(p.TotalBorrowed, p.TotalDeposited)
	supplyAPR := e.model.SupplyAPY(p.IndexedBorrowed(), p.TotalBorrowed, p.TotalDeposited, e.params.ReserveFactor)
	return &Snapshot{
		Asset:            p.Asset,
		TotalDeposited:   p.TotalDeposited.String(),
		TotalBorrowed:    p.TotalBorrowed.String(),
		ReserveBalance:   p.ReserveBalance.String(),
		Available:        p.Available().String(),
		TotalShares:      p.TotalShares.String(),
		Utilization:      ratString(utilisation),
		BorrowAPR:        ratString(borrowAPR),
		SupplyAPR:        ratString(supplyAPR),
		SupplyIndex:      indexString(p.SupplyIndex),
		BorrowIndex:      indexString(p.BorrowIndex),
		LastAccrualBlock: p.LastAccrualBlock,
	}, nil
}

// Holding is one account's stake in a pool. Value is what its shares redeem
// for; Debt includes accrued interest.
type Holding struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Shares  string `json:"shares"`
	Value   string `json:"value"`
	Debt    string `json:"debt"`
}

// Holding renders account's position in asset as of the engine's height
// without persisting the accrual.
func (e *Engine) Holding(asset, account string) (*Holding, error) {
	p, err := e.accrued(asset)
	if err != nil {
		return nil, err
	}
	pos, err := e.Position(p.Asset, account)
	if err != nil {
		return nil, err
	}
	return &Holding{
		Asset:   p.Asset,
		Account: pos.Account,
		Shares:  pos.Shares.String(),
		Value:   ledger.RayMulDown(pos.Shares, p.SupplyIndex).String(),
		Debt:    ledger.RayMul(pos.ScaledDebt, p.BorrowIndex).String(),
	}, nil
}

func ratString(r *big.Rat) string {
	if r == nil || r.Sign() == 0 {
		return decimal.Zero.StringFixed(displayPrecision)
	}
	num := decimal.NewFromBigInt(r.Num(), 0)
	den := decimal.NewFromBigInt(r.Denom(), 0)
	return num.DivRound(den, displayPrecision).StringFixed(displayPrecision)
}

// indexString renders a ray index as a decimal multiplier.
func indexString(index *big.Int) string {
	return decimal.NewFromBigInt(ledger.Copy(index), -27).StringFixed(displayPrecision * 2)
}
