package events

import (
	"math/big"

	"bittrust/core/types"
)

const (
	TypePoolDeposit         = "pool.deposit"
	TypePoolWithdraw        = "pool.withdraw"
	TypePoolBorrow          = "pool.borrow"
	TypePoolRepay           = "pool.repay"
	TypePoolAccrued         = "pool.accrued"
	TypePoolWriteOff        = "pool.writeOff"
	TypePoolReserveWithdraw = "pool.reserveWithdraw"
)

// PoolActivity reports a change to a pool's totals.
type PoolActivity struct {
	Type    string
	Asset   string
	Account string
	Amount  *big.Int
	Shares  *big.Int
	RateBps uint64
}

func (e PoolActivity) EventType() string { return e.Type }

func (e PoolActivity) Event() *types.Event {
	attrs := map[string]string{
		"asset":  normalizeAsset(e.Asset),
		"amount": formatAmount(e.Amount),
	}
	if e.Account != "" {
		attrs["account"] = e.Account
	}
	if e.Shares != nil {
		attrs["shares"] = formatAmount(e.Shares)
	}
	if e.RateBps > 0 {
		attrs["rateBps"] = formatUint(e.RateBps)
	}
	return &types.Event{Type: e.Type, Attributes: attrs}
}

// PoolAccrued reports an index advance.
type PoolAccrued struct {
	Asset       string
	Elapsed     uint64
	Interest    *big.Int
	Reserve     *big.Int
	SupplyIndex *big.Int
	BorrowIndex *big.Int
}

func (PoolAccrued) EventType() string { return TypePoolAccrued }

func (e PoolAccrued) Event() *types.Event {
	return &types.Event{Type: TypePoolAccrued, Attributes: map[string]string{
		"asset":       normalizeAsset(e.Asset),
		"elapsed":     formatUint(e.Elapsed),
		"interest":    formatAmount(e.Interest),
		"reserve":     formatAmount(e.Reserve),
		"supplyIndex": formatAmount(e.SupplyIndex),
		"borrowIndex": formatAmount(e.BorrowIndex),
	}}
}
