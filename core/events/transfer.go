package events

import (
	"math/big"

	"bittrust/core/types"
)

const (
	// TypeTransfer is emitted when balances are credited from outside the
	// lending engines, such as genesis funding.
	TypeTransfer = "transfer.native"
)

type Transfer struct {
	Asset  string
	From   string
	To     string
	Amount *big.Int
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{}
	if asset := normalizeAsset(e.Asset); asset != "" {
		attrs["asset"] = asset
	}
	if e.From != "" {
		attrs["from"] = e.From
	}
	attrs["to"] = e.To
	attrs["amount"] = formatAmount(e.Amount)
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}
