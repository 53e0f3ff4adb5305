package events

import (
	"math/big"

	"bittrust/core/types"
)

const (
	// TypeFlashLoanExecuted is emitted once a flash loan nets out with its fee.
	TypeFlashLoanExecuted = "flash.executed"
)

// FlashLoanExecuted is only emitted for successful flash loans; failed ones
// leave no trace in state.
type FlashLoanExecuted struct {
	Asset  string
	Target string
	Amount *big.Int
	Fee    *big.Int
}

func (FlashLoanExecuted) EventType() string { return TypeFlashLoanExecuted }

func (e FlashLoanExecuted) Event() *types.Event {
	return &types.Event{Type: TypeFlashLoanExecuted, Attributes: map[string]string{
		"asset":  normalizeAsset(e.Asset),
		"target": e.Target,
		"amount": formatAmount(e.Amount),
		"fee":    formatAmount(e.Fee),
	}}
}
